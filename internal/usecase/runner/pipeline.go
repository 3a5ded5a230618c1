package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agentdock/internal/domain"
)

// pipeline pumps one run's process output from spawn to terminal status.
// It is the run's single writer: nothing else touches the run's log or
// status while the pipeline is alive.
type pipeline struct {
	runID        string
	handle       *ProcessHandle
	store        domain.RunStore
	registry     *Registry
	bus          domain.EventBus
	logger       *slog.Logger
	maxLineBytes int
	startedAt    time.Time
}

// run consumes the process streams until end-of-stream, resolves the
// terminal status and publishes the synthetic ended event. Ordering is
// strict: every data event is appended and published before the terminal
// status is written, and the ended event is published last.
func (p *pipeline) run(ctx context.Context) {
	var summary *domain.RunMetrics
	var readErr error
	sessionSeen := false

	g := new(errgroup.Group)
	g.Go(func() error {
		p.drainStderr()
		return nil
	})
	g.Go(func() error {
		summary, sessionSeen, readErr = p.pumpStdout(ctx)
		return nil
	})
	_ = g.Wait()

	outcome := p.handle.Wait()
	status, reason, metrics := p.resolve(outcome, summary, readErr)

	if err := p.store.SetTerminal(ctx, p.runID, status, reason, metrics); err != nil {
		p.logger.Error("failed to persist terminal status",
			"run_id", p.runID, "status", status, "error", err)
	}

	p.registry.Publish(p.runID, domain.RunEvent{
		Kind:      domain.RunEventEnded,
		RunID:     p.runID,
		Status:    status,
		Reason:    reason,
		Metrics:   metrics,
		Timestamp: time.Now(),
	})
	p.registry.Unregister(p.runID)

	p.publishLifecycle(ctx, status)
	p.logger.Info("run finished",
		"run_id", p.runID, "status", status, "reason", reason,
		"session_seen", sessionSeen, "duration", time.Since(p.startedAt))
}

// pumpStdout reads the event stream line by line: append to the persisted
// log, decode, publish. Returns the terminal summary metrics if one was
// seen, whether a session id was captured, and a read error when the
// stream could not be consumed to end-of-stream.
func (p *pipeline) pumpStdout(ctx context.Context) (*domain.RunMetrics, bool, error) {
	var summary *domain.RunMetrics
	sessionSeen := false

	scanner := bufio.NewScanner(p.handle.Stdout())
	scanner.Buffer(make([]byte, 64*1024), p.maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()

		ev, perr := ParseLine(line)
		if perr == ErrSkipLine {
			// Blank lines carry no information and are not persisted.
			continue
		}

		if err := p.store.AppendOutputLine(ctx, p.runID, line); err != nil {
			// Storage trouble must not kill the run; the live feed keeps
			// flowing and the gap is visible in the log.
			p.logger.Error("failed to append output line", "run_id", p.runID, "error", err)
		}

		if perr != nil {
			p.logger.Warn("malformed output line", "run_id", p.runID, "error", perr)
			ev = domain.RunEvent{
				Kind:      domain.RunEventRaw,
				Raw:       line,
				Content:   line,
				Timestamp: time.Now(),
			}
		}
		ev.RunID = p.runID

		if ev.SessionID != "" && !sessionSeen {
			sessionSeen = true
			if err := p.store.SetSessionID(ctx, p.runID, ev.SessionID); err != nil {
				p.logger.Error("failed to record session id", "run_id", p.runID, "error", err)
			}
		}
		if ev.Kind == domain.RunEventSummary && ev.Metrics != nil {
			summary = ev.Metrics
		}

		p.registry.Publish(p.runID, ev)
	}
	if err := scanner.Err(); err != nil {
		// The scanner stopped short of end-of-stream (an oversized line,
		// typically). Leaving the pipe unread would block the child on a
		// full buffer and Wait would never return, so kill it and drain
		// the remainder to unblock the exit.
		p.logger.Error("stdout read failed, killing process",
			"run_id", p.runID, "error", err)
		p.handle.Kill()
		io.Copy(io.Discard, p.handle.Stdout())
		return summary, sessionSeen, err
	}
	return summary, sessionSeen, nil
}

// drainStderr forwards diagnostic output to the structured log. Stderr is
// never parsed as events.
func (p *pipeline) drainStderr() {
	scanner := bufio.NewScanner(p.handle.Stderr())
	scanner.Buffer(make([]byte, 64*1024), p.maxLineBytes)
	for scanner.Scan() {
		p.logger.Warn("agent stderr", "run_id", p.runID, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Same hazard as stdout: consume the rest so the child never
		// blocks on a full stderr pipe.
		p.logger.Warn("stderr read failed, draining remainder", "run_id", p.runID, "error", err)
		io.Copy(io.Discard, p.handle.Stderr())
	}
}

// resolve applies the terminal state machine. Cancellation requested before
// the exit was observed wins over whatever the process reports; a stdout
// read failure wins over the exit outcome because the kill it triggered is
// a consequence, not the cause. A zero exit without a terminal summary is a
// failure: the caller cannot distinguish "succeeded silently" from "crashed
// after partial output".
func (p *pipeline) resolve(outcome ExitOutcome, summary *domain.RunMetrics, readErr error) (domain.RunStatus, string, *domain.RunMetrics) {
	if reason, ok := p.registry.CancelReason(p.runID); ok {
		return domain.RunStatusCancelled, reason, nil
	}
	if readErr != nil {
		return domain.RunStatusFailed, "output stream read failed: " + readErr.Error(), nil
	}
	if outcome.Err != nil {
		return domain.RunStatusFailed, "wait failed: " + outcome.Err.Error(), nil
	}
	if outcome.Code != 0 || outcome.Signal != "" {
		return domain.RunStatusFailed, "process " + outcome.String(), nil
	}
	if summary == nil {
		return domain.RunStatusFailed, "process exited without terminal summary", nil
	}
	metrics := *summary
	if metrics.DurationMS == 0 {
		metrics.DurationMS = time.Since(p.startedAt).Milliseconds()
	}
	return domain.RunStatusCompleted, "completed", &metrics
}

func (p *pipeline) publishLifecycle(ctx context.Context, status domain.RunStatus) {
	if p.bus == nil {
		return
	}
	var typ domain.EventType
	switch status {
	case domain.RunStatusCompleted:
		typ = domain.EventRunCompleted
	case domain.RunStatusCancelled:
		typ = domain.EventRunCancelled
	default:
		typ = domain.EventRunFailed
	}
	p.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     p.runID,
		Payload:   []byte(fmt.Sprintf(`{"run_id":%q,"status":%q}`, p.runID, status)),
	})
}
