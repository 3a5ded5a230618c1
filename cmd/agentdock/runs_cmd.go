package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"agentdock/internal/domain"
)

// runRuns handles the run inspection subcommands.
func runRuns(args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}

	switch args[0] {
	case "list":
		return runsList(args[1:])
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: agentdock runs show <run-id>")
		}
		return runsShow(args[1])
	default:
		return fmt.Errorf("unknown runs subcommand: %s (want: list, show)", args[0])
	}
}

func runsList(args []string) error {
	fs := flag.NewFlagSet("runs list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	status := fs.String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	agentID := fs.String("agent", "", "filter by agent definition id")
	limit := fs.Int("limit", 50, "maximum number of runs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	runs, err := rt.store.ListRuns(ctx, domain.RunFilter{
		AgentID: *agentID,
		Status:  domain.RunStatus(*status),
		Limit:   *limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tAGENT\tSTATUS\tCREATED\tREASON")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.AgentName, run.Status,
			run.CreatedAt.Local().Format(time.DateTime), run.Reason)
	}
	return w.Flush()
}

func runsShow(runID string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx, defaultConfigPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	run, err := rt.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("run:     %s\n", run.ID)
	fmt.Printf("agent:   %s (%s)\n", run.AgentName, run.AgentID)
	fmt.Printf("task:    %s\n", run.Task)
	fmt.Printf("status:  %s\n", run.Status)
	if run.Reason != "" {
		fmt.Printf("reason:  %s\n", run.Reason)
	}
	if run.SessionID != "" {
		fmt.Printf("session: %s\n", run.SessionID)
	}
	if run.PID != nil {
		fmt.Printf("pid:     %d\n", *run.PID)
	}
	if run.Metrics != nil {
		fmt.Printf("metrics: in=%d out=%d cost=$%.4f duration=%dms\n",
			run.Metrics.InputTokens, run.Metrics.OutputTokens,
			run.Metrics.CostUSD, run.Metrics.DurationMS)
	}

	lines, err := rt.store.GetOutput(ctx, runID)
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		fmt.Println("output:")
		for _, line := range lines {
			fmt.Println("  " + line)
		}
	}
	return nil
}

// runCancel cancels a run from outside the process that owns it: signal the
// recorded pid if it is still alive, then record the terminal status. The
// store's single-terminal-transition guard keeps this safe against a daemon
// resolving the same run concurrently, but the daemon's live subscribers may
// still see an ended event with the status its own pipeline resolved; the
// store is the authority once both settle.
func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: agentdock cancel <run-id>")
	}
	runID := fs.Arg(0)

	ctx := context.Background()
	rt, err := newRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	// In-process first: covers runs owned by this engine instance.
	if rt.engine.Cancel(ctx, runID) {
		fmt.Printf("run %s cancelled\n", runID)
		return nil
	}

	run, err := rt.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		fmt.Printf("run %s already %s\n", runID, run.Status)
		return nil
	}

	if run.PID != nil {
		if proc, err := os.FindProcess(*run.PID); err == nil {
			if err := proc.Signal(syscall.SIGTERM); err == nil {
				fmt.Printf("sent SIGTERM to pid %d\n", *run.PID)
			}
		}
	}
	if err := rt.store.SetTerminal(ctx, runID, domain.RunStatusCancelled, "cancelled by user", nil); err != nil {
		return err
	}
	fmt.Printf("run %s cancelled\n", runID)
	return nil
}
