package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if cfg.Engine.Binary != "claude" {
		t.Fatalf("expected default binary, got %q", cfg.Engine.Binary)
	}
	if cfg.Engine.MaxConcurrentRuns != 10 {
		t.Fatalf("expected default ceiling, got %d", cfg.Engine.MaxConcurrentRuns)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
store:
  path: /var/lib/agentdock/runs.db
engine:
  binary: my-agent
  grace_period: 10s
  max_concurrent_runs: 3
logger:
  level: debug
  format: json
scheduler:
  enabled: true
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store.Path != "/var/lib/agentdock/runs.db" {
		t.Fatalf("store path not applied: %q", cfg.Store.Path)
	}
	if cfg.Engine.Binary != "my-agent" || cfg.Engine.GracePeriod != 10*time.Second {
		t.Fatalf("engine settings not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.MaxConcurrentRuns != 3 {
		t.Fatalf("ceiling not applied: %d", cfg.Engine.MaxConcurrentRuns)
	}
	if cfg.Logger.Format != "json" {
		t.Fatalf("logger format not applied: %q", cfg.Logger.Format)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatal("scheduler flag not applied")
	}
	// Untouched fields keep their defaults.
	if cfg.Engine.SubscriberBuffer != 256 {
		t.Fatalf("subscriber buffer default lost: %d", cfg.Engine.SubscriberBuffer)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  binary: from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTDOCK_BINARY", "from-env")
	t.Setenv("AGENTDOCK_MAX_RUNS", "7")
	t.Setenv("AGENTDOCK_GRACE_PERIOD", "2s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Engine.Binary != "from-env" {
		t.Fatalf("env override lost: %q", cfg.Engine.Binary)
	}
	if cfg.Engine.MaxConcurrentRuns != 7 {
		t.Fatalf("env ceiling lost: %d", cfg.Engine.MaxConcurrentRuns)
	}
	if cfg.Engine.GracePeriod != 2*time.Second {
		t.Fatalf("env grace period lost: %s", cfg.Engine.GracePeriod)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"empty binary", func(c *Config) { c.Engine.Binary = "" }},
		{"negative grace", func(c *Config) { c.Engine.GracePeriod = -time.Second }},
		{"negative ceiling", func(c *Config) { c.Engine.MaxConcurrentRuns = -1 }},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [not a map"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
