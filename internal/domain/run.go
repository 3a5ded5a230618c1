package domain

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of an agent run. Transitions are
// one-directional: pending → running → exactly one terminal state.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunMetrics holds usage figures from the run's terminal summary record.
// Present only on completed runs.
type RunMetrics struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
}

// AgentRun is one execution instance of a definition. The Agent* fields
// are snapshotted from the definition at start time.
type AgentRun struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	AgentIcon    string    `json:"agent_icon"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	Task         string    `json:"task"`
	ProjectPath  string    `json:"project_path"`
	SessionID    string    `json:"session_id,omitempty"`
	Status       RunStatus `json:"status"`
	// Reason is a human-readable explanation of the current status,
	// set together with every terminal transition ("completed",
	// "cancelled by user", "process exited with code 1", ...).
	Reason      string      `json:"reason,omitempty"`
	PID         *int        `json:"pid,omitempty"` // present iff Status == running
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Metrics     *RunMetrics `json:"metrics,omitempty"` // present iff Status == completed
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	AgentID string
	Status  RunStatus
	Limit   int
}

// RunStore is the durable source of truth for runs. All writes to a single
// run's record are atomic; the store itself guards against double terminal
// transitions rather than trusting callers to serialize.
type RunStore interface {
	// CreateRun persists a new run in pending status.
	CreateRun(ctx context.Context, run *AgentRun) error
	// AppendOutputLine appends one raw output line to the run's log,
	// preserving order. It is a no-op once the run is terminal.
	AppendOutputLine(ctx context.Context, runID, line string) error
	// SetRunning records the spawned process id and moves the run to running.
	SetRunning(ctx context.Context, runID string, pid int) error
	// SetSessionID records the session id reported by the child process.
	SetSessionID(ctx context.Context, runID, sessionID string) error
	// SetTerminal moves the run to a terminal status, clearing the pid and
	// recording the reason and (for completed runs) metrics. Calling it on
	// an already-terminal run is a no-op, which makes the cancel-vs-exit
	// race resolve to whichever transition lands first.
	SetTerminal(ctx context.Context, runID string, status RunStatus, reason string, metrics *RunMetrics) error
	// GetRun returns a run or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*AgentRun, error)
	// GetOutput returns the run's raw output lines in append order.
	GetOutput(ctx context.Context, runID string) ([]string, error)
	// ListRuns returns runs most recent first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*AgentRun, error)
}
