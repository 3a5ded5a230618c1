package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"

	"agentdock/internal/domain"
)

// runAgent handles definition management subcommands.
func runAgent(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: agentdock agent <add|list|rm> [flags]")
	}

	switch args[0] {
	case "add":
		return agentAdd(args[1:])
	case "list":
		return agentList(args[1:])
	case "rm":
		return agentRemove(args[1:])
	default:
		return fmt.Errorf("unknown agent subcommand: %s (want: add, list, rm)", args[0])
	}
}

func agentAdd(args []string) error {
	fs := flag.NewFlagSet("agent add", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	name := fs.String("name", "", "agent name (required)")
	icon := fs.String("icon", "bot", "agent icon")
	model := fs.String("model", "", "model name (required)")
	systemPrompt := fs.String("system-prompt", "", "system prompt (required)")
	task := fs.String("task", "", "default task")
	projectPath := fs.String("path", "", "default project path")
	schedule := fs.String("schedule", "", "cron expression or duration for scheduled runs")
	fileWrite := fs.Bool("file-write", true, "allow file writes")
	network := fs.Bool("network", false, "allow network access")
	if err := fs.Parse(args); err != nil {
		return err
	}

	def := &domain.AgentDefinition{
		ID:                 newDefinitionID(),
		Name:               *name,
		Icon:               *icon,
		Model:              *model,
		SystemPrompt:       *systemPrompt,
		DefaultTask:        *task,
		DefaultProjectPath: *projectPath,
		Schedule:           *schedule,
		EnableFileRead:     true,
		EnableFileWrite:    *fileWrite,
		EnableNetwork:      *network,
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if err := rt.store.CreateDefinition(ctx, def); err != nil {
		return err
	}
	fmt.Println(def.ID)
	return nil
}

func agentList(args []string) error {
	fs := flag.NewFlagSet("agent list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	defs, err := rt.store.ListDefinitions(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT ID\tNAME\tMODEL\tSCHEDULE")
	for _, def := range defs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.ID, def.Name, def.Model, def.Schedule)
	}
	return w.Flush()
}

func agentRemove(args []string) error {
	fs := flag.NewFlagSet("agent rm", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: agentdock agent rm <agent-id>")
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if err := rt.store.DeleteDefinition(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("agent %s removed\n", fs.Arg(0))
	return nil
}

func newDefinitionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
