package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path is the SQLite database file. Defaults to ./agentdock.db.
	Path string `yaml:"path"`
}

// EngineConfig holds run engine settings.
type EngineConfig struct {
	// Binary is the external agent binary invoked per run.
	Binary string `yaml:"binary"`
	// GracePeriod is how long a terminated process gets to exit before it
	// is killed forcefully.
	GracePeriod time.Duration `yaml:"grace_period"`
	// MaxConcurrentRuns is the ceiling on simultaneously running runs.
	// Zero means unlimited.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	// SubscriberBuffer is the per-subscriber event buffer size. A
	// subscriber that falls this far behind loses its live feed and must
	// replay from the persisted log.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// MaxLineBytes bounds a single output line read from the process.
	MaxLineBytes int `yaml:"max_line_bytes"`
	// SpawnBreaker configures the circuit breaker around process spawning.
	SpawnBreaker SpawnBreakerConfig `yaml:"spawn_breaker"`
}

// SpawnBreakerConfig configures the spawn circuit breaker.
type SpawnBreakerConfig struct {
	// MaxFailures is the number of consecutive spawn failures before the
	// circuit opens and Start fails fast.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// SchedulerConfig holds scheduled-run settings.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with usable defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "agentdock.db"},
		Engine: EngineConfig{
			Binary:            "claude",
			GracePeriod:       5 * time.Second,
			MaxConcurrentRuns: 10,
			SubscriberBuffer:  256,
			MaxLineBytes:      1024 * 1024,
			SpawnBreaker: SpawnBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
	}
}

// Load reads the YAML config at path, applies environment overrides and
// validates the result. A missing file is not an error; defaults plus
// environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from AGENTDOCK_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTDOCK_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTDOCK_BINARY"); v != "" {
		cfg.Engine.Binary = v
	}
	if v := os.Getenv("AGENTDOCK_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTDOCK_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTDOCK_MAX_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("AGENTDOCK_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.GracePeriod = d
		}
	}
	if v := os.Getenv("AGENTDOCK_TRACE"); v != "" {
		cfg.Tracer.Enabled = v == "1" || v == "true"
		if cfg.Tracer.Enabled && cfg.Tracer.Exporter == "noop" {
			cfg.Tracer.Exporter = "stdout"
		}
	}
}

// Validate checks settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if c.Engine.Binary == "" {
		return fmt.Errorf("config: engine.binary is required")
	}
	if c.Engine.GracePeriod < 0 {
		return fmt.Errorf("config: engine.grace_period must not be negative")
	}
	if c.Engine.MaxConcurrentRuns < 0 {
		return fmt.Errorf("config: engine.max_concurrent_runs must not be negative")
	}
	switch c.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: logger.format must be text or json, got %q", c.Logger.Format)
	}
	return nil
}
