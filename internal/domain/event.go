package domain

import (
	"context"
	"encoding/json"
	"time"
)

// RunEventKind classifies one decoded record on a run's subscriber feed.
type RunEventKind string

const (
	// RunEventAssistant is an assistant message fragment.
	RunEventAssistant RunEventKind = "assistant"
	// RunEventToolUse is a tool invocation request.
	RunEventToolUse RunEventKind = "tool_use"
	// RunEventToolResult is a completed tool invocation result.
	RunEventToolResult RunEventKind = "tool_result"
	// RunEventSummary is the terminal summary record carrying usage metrics.
	RunEventSummary RunEventKind = "summary"
	// RunEventRaw is an unrecognized or malformed line, preserved verbatim.
	RunEventRaw RunEventKind = "raw"
	// RunEventEnded is the synthetic end-of-feed marker published after the
	// run reaches a terminal status. It never originates from the process.
	RunEventEnded RunEventKind = "ended"
)

// ToolCall describes a tool invocation or its result.
type ToolCall struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// RunEvent is one entry on a run's ordered event feed.
type RunEvent struct {
	Kind    RunEventKind `json:"kind"`
	RunID   string       `json:"run_id"`
	Content string       `json:"content,omitempty"`
	Tool    *ToolCall    `json:"tool,omitempty"`
	// Metrics is set on summary events.
	Metrics *RunMetrics `json:"metrics,omitempty"`
	// SessionID is set when the underlying record carries one.
	SessionID string `json:"session_id,omitempty"`
	// Status and Reason are set on the synthetic ended event.
	Status RunStatus `json:"status,omitempty"`
	Reason string    `json:"reason,omitempty"`
	// Raw is the verbatim line the event was decoded from. Empty for the
	// synthetic ended event.
	Raw       string    `json:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType identifies a lifecycle event published on the process-wide bus.
// These are coarse engine-level notifications, distinct from the per-run
// subscriber feed.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunScheduled EventType = "run.scheduled"
)

// Event is the envelope published on the lifecycle bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides publish/subscribe for lifecycle events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
