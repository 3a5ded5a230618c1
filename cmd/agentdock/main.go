package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			os.Exit(1)
		}
	case "run":
		if err := runOnce(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(1)
		}
	case "runs":
		if err := runRuns(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "runs: %v\n", err)
			os.Exit(1)
		}
	case "cancel":
		if err := runCancel(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
			os.Exit(1)
		}
	case "agent":
		if err := runAgent(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "agent: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentdock --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentdock - Agent run engine

USAGE:
    agentdock [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the engine daemon: reconcile persisted runs and
                fire scheduled definitions until interrupted
    run         Start a run and stream its events to stdout
                Usage: run <agent-id> [task] [project-path]
    runs        List runs
                Subcommands: list [--status S] [--limit N], show <run-id>
    cancel      Cancel a running run by id
    agent       Manage agent definitions
                Subcommands: add, list, rm

    (no command) - Same as serve

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: AGENTDOCK_* variables override config

EXAMPLES:
    agentdock agent add --name reviewer --model sonnet --system-prompt "..."
    agentdock run 01J... "summarize the repo" .
    agentdock runs list --status running
    agentdock cancel 01J...
    agentdock serve`)
}
