package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"agentdock/internal/usecase/scheduler"
)

// runServe starts the daemon: reconcile persisted state, fire scheduled
// definitions, keep the engine available until interrupted.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	repaired, err := rt.engine.Reconcile(ctx)
	if err != nil {
		rt.logger.Warn("reconcile finished with errors", "repaired", repaired, "error", err)
	} else if repaired > 0 {
		rt.logger.Info("reconciled runs from prior lifetime", "repaired", repaired)
	}

	var sched *scheduler.Scheduler
	if rt.cfg.Scheduler.Enabled {
		sched = scheduler.New(rt.engine, rt.store, rt.bus, rt.logger)
		if err := sched.LoadAndSchedule(ctx); err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	rt.logger.Info("agentdock serving",
		"store", rt.cfg.Store.Path,
		"binary", rt.cfg.Engine.Binary,
		"scheduler", rt.cfg.Scheduler.Enabled)

	<-ctx.Done()
	rt.logger.Info("shutting down")
	return nil
}
