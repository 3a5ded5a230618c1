package runner

import (
	"os"

	"agentdock/internal/domain"
)

// CLIBuilder builds the default invocation for a stream-json agent CLI:
// one-shot prompt mode with structured output on stdout, one record per
// line. The engine treats the produced argument vector as opaque.
type CLIBuilder struct {
	// Binary is the agent executable, resolved via PATH if not absolute.
	Binary string
}

// NewCLIBuilder creates a CLIBuilder for the given binary.
func NewCLIBuilder(binary string) *CLIBuilder {
	return &CLIBuilder{Binary: binary}
}

// Build implements domain.InvocationBuilder.
func (b *CLIBuilder) Build(def domain.AgentDefinition, task, projectPath string) (domain.Invocation, error) {
	if task == "" {
		return domain.Invocation{}, domain.NewSubSystemError("invocation", "Build", domain.ErrInvalidInput, "task is required")
	}
	if projectPath == "" {
		return domain.Invocation{}, domain.NewSubSystemError("invocation", "Build", domain.ErrInvalidInput, "project path is required")
	}

	args := []string{
		"-p", task,
		"--system-prompt", def.SystemPrompt,
		"--model", def.Model,
		"--output-format", "stream-json",
		"--verbose",
	}
	if !def.EnableFileWrite {
		args = append(args, "--read-only")
	}
	if !def.EnableNetwork {
		args = append(args, "--no-network")
	}

	return domain.Invocation{
		Path: b.Binary,
		Args: args,
		Env:  os.Environ(),
		Dir:  projectPath,
	}, nil
}

var _ domain.InvocationBuilder = (*CLIBuilder)(nil)
