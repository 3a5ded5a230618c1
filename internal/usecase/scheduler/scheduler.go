package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentdock/internal/domain"
)

// runTimeout bounds how long a scheduled Start call may take. The run itself
// keeps going after Start returns; this only covers spawning.
const runTimeout = time.Minute

// RunStarter starts runs for scheduled definitions. Satisfied by the run
// engine; abstracted so tests can record starts without spawning processes.
type RunStarter interface {
	Start(ctx context.Context, definitionID, task, projectPath string) (string, error)
}

// Scheduler starts runs for definitions that carry a schedule. Schedules are
// cron expressions ("*/5 * * * *", "@hourly") or duration strings ("30m").
type Scheduler struct {
	cron    *cron.Cron
	starter RunStarter
	defs    domain.DefinitionStore
	bus     domain.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // definition id → entry
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler.
func New(starter RunStarter, defs domain.DefinitionStore, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		starter: starter,
		defs:    defs,
		bus:     bus,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// LoadAndSchedule reads all definitions and schedules the ones with a
// schedule set. A definition whose schedule fails to parse is skipped with a
// warning rather than failing startup.
func (s *Scheduler) LoadAndSchedule(ctx context.Context) error {
	defs, err := s.defs.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load definitions: %w", err)
	}

	scheduled := 0
	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}
		if err := s.Add(def); err != nil {
			s.logger.Warn("failed to schedule definition",
				"definition_id", def.ID, "schedule", def.Schedule, "error", err)
			continue
		}
		scheduled++
	}

	s.logger.Info("definitions loaded into scheduler", "total", len(defs), "scheduled", scheduled)
	return nil
}

// Add schedules a definition. The definition must have DefaultTask set, or
// every tick would fail input validation.
func (s *Scheduler) Add(def *domain.AgentDefinition) error {
	if def.DefaultTask == "" {
		return fmt.Errorf("scheduler: definition %q has a schedule but no default task", def.ID)
	}

	schedule, err := parseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for definition %q: %w", def.Schedule, def.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[def.ID]; exists {
		return fmt.Errorf("scheduler: definition %q already scheduled", def.ID)
	}

	defID := def.ID
	s.entries[defID] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.tick(defID)
	}))
	s.logger.Info("definition scheduled", "definition_id", def.ID, "schedule", def.Schedule)
	return nil
}

// Remove unschedules a definition.
func (s *Scheduler) Remove(definitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[definitionID]
	if !ok {
		return fmt.Errorf("scheduler: definition %q not scheduled", definitionID)
	}
	s.cron.Remove(entryID)
	delete(s.entries, definitionID)
	s.logger.Info("definition unscheduled", "definition_id", definitionID)
	return nil
}

// NextRun returns the next tick for a scheduled definition, or nil.
func (s *Scheduler) NextRun(definitionID string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[definitionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins firing schedules.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop stops firing and waits for in-flight ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
}

// tick starts one run for the definition. The definition is re-read on each
// tick so edits to the default task take effect without rescheduling.
func (s *Scheduler) tick(definitionID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping tick", "definition_id", definitionID)
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	runID, err := s.starter.Start(tickCtx, definitionID, "", "")
	if err != nil {
		// The run ceiling rejecting a tick is expected pressure, not a bug.
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrLimitReached) {
			level = slog.LevelInfo
		}
		s.logger.Log(tickCtx, level, "scheduled run not started", "definition_id", definitionID, "error", err)
		return
	}

	s.logger.Info("scheduled run started", "definition_id", definitionID, "run_id", runID)
	if s.bus != nil {
		payload, _ := json.Marshal(map[string]string{"definition_id": definitionID, "run_id": runID})
		s.bus.Publish(tickCtx, domain.Event{
			Type:      domain.EventRunScheduled,
			Timestamp: time.Now(),
			RunID:     runID,
			Payload:   payload,
		})
	}
}

// parseSchedule tries a cron expression first, then a duration string.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
