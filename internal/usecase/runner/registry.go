package runner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentdock/internal/domain"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer used when the
// registry is configured with a non-positive size.
const DefaultSubscriberBuffer = 256

// Canceler is the control surface the registry holds for an active run.
type Canceler interface {
	Terminate()
	Kill()
}

// Registry is the process-wide table of active runs: run id → control
// handle plus the current set of live subscribers. It holds no durable
// state; it is rebuilt empty at startup and repopulated as runs start.
//
// Fan-out is per run: each entry has its own lock, so unrelated runs never
// contend on their hot paths.
type Registry struct {
	store   domain.RunStore
	bufSize int
	logger  *slog.Logger

	mu   sync.RWMutex
	runs map[string]*runEntry

	nextSubID atomic.Uint64
}

type runEntry struct {
	mu           sync.Mutex
	handle       Canceler
	cancelReason string // non-empty once cancellation was requested
	subs         map[uint64]chan domain.RunEvent
}

// NewRegistry creates a Registry. The store is used to replay persisted
// output for runs that are no longer (or not yet) registered.
func NewRegistry(store domain.RunStore, subscriberBuffer int, logger *slog.Logger) *Registry {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Registry{
		store:   store,
		bufSize: subscriberBuffer,
		logger:  logger,
		runs:    make(map[string]*runEntry),
	}
}

// Register adds an active run and its control handle.
func (r *Registry) Register(runID string, handle Canceler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &runEntry{
		handle: handle,
		subs:   make(map[uint64]chan domain.RunEvent),
	}
}

// Unregister removes a run once it reached a terminal state and closes all
// remaining subscriber feeds. Buffered events stay readable after close.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for id, ch := range entry.subs {
		close(ch)
		delete(entry.subs, id)
	}
}

// Active returns the ids of all currently registered runs.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// Publish delivers an event to every live subscriber of the run. Delivery
// never blocks the pipeline: a subscriber whose buffer is full loses its
// live feed (the channel is closed early, without an ended event) and is
// expected to fall back to replaying the persisted log.
func (r *Registry) Publish(runID string, ev domain.RunEvent) {
	r.mu.RLock()
	entry, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for id, ch := range entry.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("subscriber too slow, dropping live feed", "run_id", runID, "subscriber", id)
			close(ch)
			delete(entry.subs, id)
		}
	}
}

// Cancel requests termination of an active run. It records the request
// before signaling the process so the pipeline resolves the terminal
// status to cancelled even if the process exits naturally in the meantime.
// Returns false (a reported no-op, not an error) when the run is not
// registered: already terminal, or started by a prior process lifetime.
func (r *Registry) Cancel(runID, reason string) bool {
	r.mu.RLock()
	entry, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	if entry.cancelReason == "" {
		entry.cancelReason = reason
	}
	handle := entry.handle
	entry.mu.Unlock()

	handle.Terminate()
	return true
}

// CancelReason returns the recorded cancellation reason, if any.
func (r *Registry) CancelReason(runID string) (string, bool) {
	r.mu.RLock()
	entry, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.cancelReason, entry.cancelReason != ""
}

// Subscribe returns an ordered event feed for the run plus an unsubscribe
// function. Registered runs get the live feed from now on; anything else
// falls back to replaying the persisted log, terminated by a synthetic
// ended event, so subscribing late never errors on a known run.
func (r *Registry) Subscribe(ctx context.Context, runID string) (<-chan domain.RunEvent, func(), error) {
	r.mu.RLock()
	entry, ok := r.runs[runID]
	r.mu.RUnlock()

	if ok {
		ch := make(chan domain.RunEvent, r.bufSize)
		id := r.nextSubID.Add(1)

		entry.mu.Lock()
		entry.subs[id] = ch
		entry.mu.Unlock()

		unsubscribe := func() {
			entry.mu.Lock()
			defer entry.mu.Unlock()
			if c, live := entry.subs[id]; live {
				close(c)
				delete(entry.subs, id)
			}
		}
		return ch, unsubscribe, nil
	}

	return r.replay(ctx, runID)
}

// replay streams the persisted output log through the parser and finishes
// with a synthetic ended event built from the stored terminal status. A run
// that is not terminal in the store (a prior-lifetime row not yet
// reconciled, or one owned by another process) gets no ended event: the
// feed just closes, since "ended" must never carry a non-terminal status.
func (r *Registry) replay(ctx context.Context, runID string) (<-chan domain.RunEvent, func(), error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	lines, err := r.store.GetOutput(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan domain.RunEvent, r.bufSize)
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(ch)
		for _, line := range lines {
			ev, perr := ParseLine(line)
			if perr == ErrSkipLine {
				continue
			}
			if perr != nil {
				ev = domain.RunEvent{Kind: domain.RunEventRaw, Raw: line, Content: line}
			}
			ev.RunID = runID
			select {
			case ch <- ev:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
		if !run.Status.Terminal() {
			return
		}
		ended := domain.RunEvent{
			Kind:      domain.RunEventEnded,
			RunID:     runID,
			Status:    run.Status,
			Reason:    run.Reason,
			Timestamp: time.Now(),
		}
		select {
		case ch <- ended:
		case <-done:
		case <-ctx.Done():
		}
	}()

	return ch, unsubscribe, nil
}
