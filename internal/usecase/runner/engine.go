package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"agentdock/internal/domain"
	"agentdock/internal/infra/tracer"
)

// reasonProcessLost is the terminal reason recorded by Reconcile.
const reasonProcessLost = "process lost across restart"

// EngineConfig holds run engine settings.
type EngineConfig struct {
	// MaxConcurrentRuns caps simultaneously running runs. Zero = unlimited.
	MaxConcurrentRuns int
	// SubscriberBuffer is the per-subscriber event buffer size.
	SubscriberBuffer int
	// MaxLineBytes bounds a single output line.
	MaxLineBytes int
}

// Engine is the public entry point of the run system: it starts runs,
// cancels them, multiplexes their event feeds and reconciles persisted
// state at startup. The registry is owned by the engine, never ambient,
// so tests can instantiate isolated engines.
type Engine struct {
	defs       domain.DefinitionStore
	runs       domain.RunStore
	registry   *Registry
	supervisor *Supervisor
	builder    domain.InvocationBuilder
	bus        domain.EventBus
	logger     *slog.Logger

	maxRuns      int
	maxLineBytes int

	mu sync.Mutex // serializes the ceiling check in Start
	wg sync.WaitGroup
}

// NewEngine wires an Engine with its own registry.
func NewEngine(
	cfg EngineConfig,
	defs domain.DefinitionStore,
	runs domain.RunStore,
	supervisor *Supervisor,
	builder domain.InvocationBuilder,
	bus domain.EventBus,
	logger *slog.Logger,
) *Engine {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 1024 * 1024
	}
	return &Engine{
		defs:         defs,
		runs:         runs,
		registry:     NewRegistry(runs, cfg.SubscriberBuffer, logger),
		supervisor:   supervisor,
		builder:      builder,
		bus:          bus,
		logger:       logger,
		maxRuns:      cfg.MaxConcurrentRuns,
		maxLineBytes: cfg.MaxLineBytes,
	}
}

// Start creates a run for the definition, spawns its process and begins
// pumping output. It returns the run id without waiting for completion.
// The definition is snapshotted into the run record, so later edits never
// affect a run already started.
func (e *Engine) Start(ctx context.Context, definitionID, task, projectPath string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "Engine.Start")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("definition_id", definitionID))

	def, err := e.defs.GetDefinition(ctx, definitionID)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	if task == "" {
		task = def.DefaultTask
	}
	if projectPath == "" {
		projectPath = def.DefaultProjectPath
	}
	if task == "" {
		err := domain.NewSubSystemError("engine", "Engine.Start", domain.ErrInvalidInput,
			"no task given and definition has no default task")
		tracer.RecordError(span, err)
		return "", err
	}

	// The ceiling check and the registration that follows must not
	// interleave with another Start, or two racing calls could both pass
	// the check one slot below the ceiling.
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.maxRuns > 0 && len(e.registry.Active()) >= e.maxRuns {
		err := domain.NewSubSystemError("engine", "Engine.Start", domain.ErrLimitReached,
			fmt.Sprintf("%d runs already active", e.maxRuns))
		tracer.RecordError(span, err)
		return "", err
	}

	run := &domain.AgentRun{
		ID:           newID(),
		AgentID:      def.ID,
		AgentName:    def.Name,
		AgentIcon:    def.Icon,
		Model:        def.Model,
		SystemPrompt: def.SystemPrompt,
		Task:         task,
		ProjectPath:  projectPath,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(tracer.StringAttr("run_id", run.ID))

	inv, err := e.builder.Build(*def, task, projectPath)
	if err != nil {
		e.failBeforeRunning(ctx, run.ID, "invalid invocation: "+err.Error())
		tracer.RecordError(span, err)
		return "", err
	}

	handle, err := e.supervisor.Spawn(inv)
	if err != nil {
		e.failBeforeRunning(ctx, run.ID, "failed to spawn agent process: "+err.Error())
		tracer.RecordError(span, err)
		return "", err
	}

	if err := e.runs.SetRunning(ctx, run.ID, handle.PID()); err != nil {
		// Without a running record the process would be untracked across
		// a restart; better to stop it now than leak it.
		handle.Kill()
		go handle.Wait()
		e.failBeforeRunning(ctx, run.ID, "failed to record running status: "+err.Error())
		tracer.RecordError(span, err)
		return "", err
	}

	e.registry.Register(run.ID, handle)

	p := &pipeline{
		runID:        run.ID,
		handle:       handle,
		store:        e.runs,
		registry:     e.registry,
		bus:          e.bus,
		logger:       e.logger,
		maxLineBytes: e.maxLineBytes,
		startedAt:    time.Now(),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// The pipeline outlives the request that started the run.
		p.run(context.WithoutCancel(ctx))
	}()

	e.publishLifecycle(ctx, domain.EventRunStarted, run.ID)
	e.logger.Info("run started",
		"run_id", run.ID, "definition", def.Name, "pid", handle.PID(), "project_path", projectPath)

	return run.ID, nil
}

// Cancel requests termination of a run. It is fire-and-forget: the terminal
// status lands asynchronously and observers see it via the ended event.
// Cancelling an unknown or already-terminal run is a reported no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) bool {
	_, span := tracer.StartSpan(ctx, "Engine.Cancel")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("run_id", runID))

	ok := e.registry.Cancel(runID, "cancelled by user")
	if !ok {
		e.logger.Info("cancel requested for inactive run", "run_id", runID)
	}
	return ok
}

// Subscribe returns the ordered event feed for a run. Live for active runs,
// replayed from the persisted log otherwise.
func (e *Engine) Subscribe(ctx context.Context, runID string) (<-chan domain.RunEvent, func(), error) {
	return e.registry.Subscribe(ctx, runID)
}

// ListActive returns the ids of currently registered runs.
func (e *Engine) ListActive() []string {
	return e.registry.Active()
}

// Reconcile repairs persisted state after a restart: every run still marked
// running is failed, because this engine instance cannot re-attach to its
// output even when the recorded pid is still alive. Returns the number of
// runs repaired.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	ctx, span := tracer.StartSpan(ctx, "Engine.Reconcile")
	defer span.End()

	stale, err := e.runs.ListRuns(ctx, domain.RunFilter{Status: domain.RunStatusRunning})
	if err != nil {
		tracer.RecordError(span, err)
		return 0, err
	}

	var errs []error
	repaired := 0
	for _, run := range stale {
		alive := run.PID != nil && processAlive(*run.PID)
		if alive {
			e.logger.Warn("found live process from prior lifetime, cannot re-attach",
				"run_id", run.ID, "pid", *run.PID)
		}
		if err := e.runs.SetTerminal(ctx, run.ID, domain.RunStatusFailed, reasonProcessLost, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		repaired++
		e.logger.Info("reconciled stale run", "run_id", run.ID, "pid_alive", alive)
	}
	return repaired, errors.Join(errs...)
}

// Stop cancels every active run and waits for their pipelines to finish,
// bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	for _, id := range e.registry.Active() {
		e.registry.Cancel(id, "cancelled by shutdown")
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) failBeforeRunning(ctx context.Context, runID, reason string) {
	if err := e.runs.SetTerminal(ctx, runID, domain.RunStatusFailed, reason, nil); err != nil {
		e.logger.Error("failed to mark run failed", "run_id", runID, "error", err)
	}
	e.publishLifecycle(ctx, domain.EventRunFailed, runID)
}

func (e *Engine) publishLifecycle(ctx context.Context, typ domain.EventType, runID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     runID,
	})
}

// processAlive reports whether a process with the given pid exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
