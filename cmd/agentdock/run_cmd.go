package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentdock/internal/domain"
)

// runOnce starts a single run and streams its event feed to stdout until
// the run ends. Ctrl-C cancels the run instead of abandoning it.
func runOnce(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: agentdock run <agent-id> [task] [project-path]")
	}
	agentID := rest[0]
	var task, projectPath string
	if len(rest) > 1 {
		task = rest[1]
	}
	if len(rest) > 2 {
		projectPath = rest[2]
	}
	if projectPath == "" {
		if wd, err := os.Getwd(); err == nil {
			projectPath = wd
		}
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	runID, err := rt.engine.Start(ctx, agentID, task, projectPath)
	if err != nil {
		return err
	}
	fmt.Printf("run %s started\n", runID)

	events, unsubscribe, err := rt.engine.Subscribe(ctx, runID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "cancelling...")
			rt.engine.Cancel(ctx, runID)
		case ev, ok := <-events:
			if !ok {
				// Live feed dropped; the persisted record has the outcome.
				run, err := rt.store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				return reportOutcome(run.Status, run.Reason, run.Metrics)
			}
			if ev.Kind == domain.RunEventEnded {
				return reportOutcome(ev.Status, ev.Reason, ev.Metrics)
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev domain.RunEvent) {
	switch ev.Kind {
	case domain.RunEventAssistant:
		fmt.Println(ev.Content)
	case domain.RunEventToolUse:
		if ev.Tool != nil {
			fmt.Printf("[tool] %s %s\n", ev.Tool.Name, string(ev.Tool.Input))
		}
	case domain.RunEventToolResult:
		if ev.Tool != nil {
			fmt.Printf("[tool result] %s\n", string(ev.Tool.Output))
		}
	case domain.RunEventSummary:
		if ev.Metrics != nil {
			fmt.Printf("[summary] in=%d out=%d cost=$%.4f\n",
				ev.Metrics.InputTokens, ev.Metrics.OutputTokens, ev.Metrics.CostUSD)
		}
	case domain.RunEventRaw:
		fmt.Printf("[raw] %s\n", ev.Raw)
	}
}

func reportOutcome(status domain.RunStatus, reason string, metrics *domain.RunMetrics) error {
	switch status {
	case domain.RunStatusCompleted:
		if metrics != nil {
			fmt.Printf("completed in %dms (tokens in=%d out=%d, cost=$%.4f)\n",
				metrics.DurationMS, metrics.InputTokens, metrics.OutputTokens, metrics.CostUSD)
		} else {
			fmt.Println("completed")
		}
		return nil
	case domain.RunStatusCancelled:
		fmt.Printf("cancelled: %s\n", reason)
		return nil
	default:
		return fmt.Errorf("run %s: %s", status, reason)
	}
}
