package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentdock/internal/adapter/runstore"
	"agentdock/internal/infra/config"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/tracer"
	"agentdock/internal/usecase/eventbus"
	"agentdock/internal/usecase/runner"
)

const defaultConfigPath = "config.yaml"

// runtime bundles the wired components every command needs.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *runstore.Store
	bus    *eventbus.Bus
	engine *runner.Engine

	logClose      func() error
	traceShutdown func(context.Context) error
}

// newRuntime loads configuration and wires store, bus and engine.
func newRuntime(ctx context.Context, configPath string) (*runtime, error) {
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, logClose, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	traceShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logClose()
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	store, err := runstore.Open(cfg.Store.Path)
	if err != nil {
		traceShutdown(ctx)
		logClose()
		return nil, err
	}

	bus := eventbus.New(log)

	supervisor := runner.NewSupervisor(runner.SupervisorConfig{
		GracePeriod:        cfg.Engine.GracePeriod,
		BreakerMaxFailures: cfg.Engine.SpawnBreaker.MaxFailures,
		BreakerOpenTimeout: cfg.Engine.SpawnBreaker.Timeout,
	}, log)

	engine := runner.NewEngine(runner.EngineConfig{
		MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
		SubscriberBuffer:  cfg.Engine.SubscriberBuffer,
		MaxLineBytes:      cfg.Engine.MaxLineBytes,
	}, store, store, supervisor, runner.NewCLIBuilder(cfg.Engine.Binary), bus, log)

	return &runtime{
		cfg:           cfg,
		logger:        log,
		store:         store,
		bus:           bus,
		engine:        engine,
		logClose:      logClose,
		traceShutdown: traceShutdown,
	}, nil
}

// close shuts components down in reverse wiring order. Active runs get a
// bounded window to cancel and flush; the window is independent of the
// (likely already cancelled) signal context.
func (rt *runtime) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := rt.engine.Stop(stopCtx); err != nil {
		rt.logger.Warn("engine stop did not finish cleanly", "error", err)
	}

	rt.bus.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close failed", "error", err)
	}
	if err := rt.traceShutdown(ctx); err != nil {
		rt.logger.Warn("tracer shutdown failed", "error", err)
	}
	rt.logClose()
}
