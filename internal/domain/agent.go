package domain

import (
	"context"
	"strings"
	"time"
)

// AgentDefinition is a reusable run template. Definitions are created and
// edited by external tooling; the run engine reads them and snapshots the
// relevant fields into each run at start time, so later edits never change
// a run that has already started.
type AgentDefinition struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Icon         string `json:"icon"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	DefaultTask  string `json:"default_task,omitempty"`
	// DefaultProjectPath is the working directory used by scheduled runs
	// and by callers that do not pass one explicitly.
	DefaultProjectPath string `json:"default_project_path,omitempty"`
	// Schedule is an optional cron expression (or duration string). When
	// set, the scheduler starts a run with DefaultTask on every tick.
	Schedule string `json:"schedule,omitempty"`

	// Capability flags forwarded to the invocation builder.
	EnableFileRead  bool `json:"enable_file_read"`
	EnableFileWrite bool `json:"enable_file_write"`
	EnableNetwork   bool `json:"enable_network"`

	// Hooks are opaque lifecycle commands owned by the definition editor.
	// The engine stores them with the definition but never executes them.
	Hooks *DefinitionHooks `json:"hooks,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefinitionHooks holds optional lifecycle commands attached to a definition.
type DefinitionHooks struct {
	OnStart    string `json:"on_start,omitempty"`
	OnComplete string `json:"on_complete,omitempty"`
}

// Validate checks the fields the engine depends on.
func (d *AgentDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return NewSubSystemError("definition", "Definition.Validate", ErrInvalidInput, "name is required")
	}
	if strings.TrimSpace(d.Model) == "" {
		return NewSubSystemError("definition", "Definition.Validate", ErrInvalidInput, "model is required")
	}
	if strings.TrimSpace(d.SystemPrompt) == "" {
		return NewSubSystemError("definition", "Definition.Validate", ErrInvalidInput, "system prompt is required")
	}
	return nil
}

// DefinitionStore persists agent definitions. The run engine only reads;
// create/update/delete are driven by external editors.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *AgentDefinition) error
	GetDefinition(ctx context.Context, id string) (*AgentDefinition, error)
	UpdateDefinition(ctx context.Context, def *AgentDefinition) error
	DeleteDefinition(ctx context.Context, id string) error
	ListDefinitions(ctx context.Context) ([]*AgentDefinition, error)
}

// Invocation is the opaque command contract handed to the process
// supervisor: an argument vector, environment and working directory built
// by a collaborator from a definition and a task.
type Invocation struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// InvocationBuilder turns a definition snapshot and a task into the
// command line for the external agent binary. The engine never inspects
// the result beyond passing it to the supervisor.
type InvocationBuilder interface {
	Build(def AgentDefinition, task, projectPath string) (Invocation, error)
}
