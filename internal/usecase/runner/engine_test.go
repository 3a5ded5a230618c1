package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentdock/internal/adapter/runstore"
	"agentdock/internal/domain"
	"agentdock/internal/usecase/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// scriptBuilder runs the given shell script instead of a real agent binary.
type scriptBuilder struct {
	script string
}

func (b *scriptBuilder) Build(_ domain.AgentDefinition, _, projectPath string) (domain.Invocation, error) {
	return domain.Invocation{
		Path: "/bin/sh",
		Args: []string{"-c", b.script},
		Dir:  projectPath,
	}, nil
}

type engineFixture struct {
	store  *runstore.Store
	bus    *eventbus.Bus
	engine *Engine
}

func newEngineFixture(t *testing.T, script string, maxRuns int) *engineFixture {
	t.Helper()
	return newEngineFixtureCfg(t, script, EngineConfig{MaxConcurrentRuns: maxRuns, SubscriberBuffer: 64})
}

func newEngineFixtureCfg(t *testing.T, script string, cfg EngineConfig) *engineFixture {
	t.Helper()

	store, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)

	engine := NewEngine(
		cfg,
		store, store,
		NewSupervisor(SupervisorConfig{GracePeriod: time.Second}, testLogger()),
		&scriptBuilder{script: script},
		bus, testLogger(),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, engine.Stop(ctx))
	})

	return &engineFixture{store: store, bus: bus, engine: engine}
}

func (f *engineFixture) createDefinition(t *testing.T) string {
	t.Helper()
	def := &domain.AgentDefinition{
		ID:           "def-1",
		Name:         "tester",
		Model:        "sonnet",
		SystemPrompt: "you are a test",
		DefaultTask:  "default task",
	}
	require.NoError(t, f.store.CreateDefinition(context.Background(), def))
	return def.ID
}

func (f *engineFixture) waitTerminal(t *testing.T, runID string) *domain.AgentRun {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		run, err := f.store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s never reached a terminal status (last: %s)", runID, run.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// collectReplay waits for the run to end, then replays its full event feed.
func (f *engineFixture) collectReplay(t *testing.T, runID string) []domain.RunEvent {
	t.Helper()
	f.waitTerminal(t, runID)

	// The pipeline unregisters after writing the terminal status; give the
	// ended-event/unregister tail a moment so Subscribe hits the replay path
	// deterministically.
	require.Eventually(t, func() bool {
		return len(f.engine.ListActive()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	ch, unsub, err := f.engine.Subscribe(context.Background(), runID)
	require.NoError(t, err)
	defer unsub()

	var events []domain.RunEvent
	for ev := range ch {
		events = append(events, ev)
		if ev.Kind == domain.RunEventEnded {
			break
		}
	}
	return events
}

const happyScript = `
echo '{"type":"system","subtype":"init","session_id":"sess-42"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{"command":"ls"}}]}}'
echo '{"type":"result","result":"all done","duration_ms":500,"total_cost_usd":0.01,"usage":{"input_tokens":100,"output_tokens":50}}'
exit 0`

func TestEngineRunCompletes(t *testing.T) {
	f := newEngineFixture(t, happyScript, 0)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "do the thing", t.TempDir())
	require.NoError(t, err)

	run := f.waitTerminal(t, runID)
	require.Equal(t, domain.RunStatusCompleted, run.Status)
	require.Equal(t, "completed", run.Reason)
	require.Equal(t, "sess-42", run.SessionID)
	require.Nil(t, run.PID, "pid must be cleared on terminal runs")
	require.NotNil(t, run.CompletedAt)

	require.NotNil(t, run.Metrics)
	require.Equal(t, int64(100), run.Metrics.InputTokens)
	require.Equal(t, int64(50), run.Metrics.OutputTokens)
	require.InDelta(t, 0.01, run.Metrics.CostUSD, 1e-9)

	lines, err := f.store.GetOutput(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, lines, 4, "every emitted line is persisted in order")

	events := f.collectReplay(t, runID)
	require.Equal(t, domain.RunEventEnded, events[len(events)-1].Kind)
	require.Equal(t, domain.RunStatusCompleted, events[len(events)-1].Status)
}

func TestEngineRunFailsOnNonZeroExit(t *testing.T) {
	f := newEngineFixture(t, "exit 1", 0)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	run := f.waitTerminal(t, runID)
	require.Equal(t, domain.RunStatusFailed, run.Status)
	require.Contains(t, run.Reason, "exited with code 1")
	require.Nil(t, run.Metrics, "metrics only on completed runs")

	lines, err := f.store.GetOutput(context.Background(), runID)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestEngineRunFailsWithoutSummary(t *testing.T) {
	// Clean exit but no terminal summary record.
	f := newEngineFixture(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'; exit 0`, 0)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	run := f.waitTerminal(t, runID)
	require.Equal(t, domain.RunStatusFailed, run.Status)
	require.Contains(t, run.Reason, "without terminal summary")
}

func TestEngineOversizedLineFailsRun(t *testing.T) {
	// One line well past both the line limit and the kernel pipe buffer.
	// The pump must kill the child and drain the remainder; otherwise the
	// child blocks writing to the full pipe and the run never leaves
	// running.
	script := `
head -c 400000 /dev/zero | tr '\0' x
echo
echo '{"type":"result"}'
exit 0`
	f := newEngineFixtureCfg(t, script, EngineConfig{
		SubscriberBuffer: 64,
		MaxLineBytes:     128 * 1024,
	})
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	run := f.waitTerminal(t, runID)
	require.Equal(t, domain.RunStatusFailed, run.Status)
	require.Contains(t, run.Reason, "output stream read failed")
	require.Nil(t, run.Metrics)
}

func TestEngineCancelWinsOverExit(t *testing.T) {
	f := newEngineFixture(t, "sleep 30", 0)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	require.True(t, f.engine.Cancel(context.Background(), runID))

	run := f.waitTerminal(t, runID)
	require.Equal(t, domain.RunStatusCancelled, run.Status)
	require.Equal(t, "cancelled by user", run.Reason)
	require.Nil(t, run.PID)
}

func TestEngineCancelInactiveRunIsNoOp(t *testing.T) {
	f := newEngineFixture(t, "exit 0", 0)
	require.False(t, f.engine.Cancel(context.Background(), "ghost"))
}

func TestEngineMalformedLineIsPreserved(t *testing.T) {
	script := `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"before"}]}}'
echo 'garbage line {{'
echo '{"type":"result","usage":{"input_tokens":1,"output_tokens":2}}'
exit 0`
	f := newEngineFixture(t, script, 0)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	run := f.waitTerminal(t, runID)
	require.Equal(t, domain.RunStatusCompleted, run.Status,
		"a malformed line must not fail the run")

	lines, err := f.store.GetOutput(context.Background(), runID)
	require.NoError(t, err)
	require.Contains(t, lines, "garbage line {{", "malformed line persisted verbatim")

	events := f.collectReplay(t, runID)
	var sawRaw bool
	for _, ev := range events {
		if ev.Kind == domain.RunEventRaw && ev.Raw == "garbage line {{" {
			sawRaw = true
		}
	}
	require.True(t, sawRaw, "malformed line surfaces as a raw event")
}

func TestEngineConcurrentRunCeiling(t *testing.T) {
	f := newEngineFixture(t, "sleep 30", 1)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	_, err = f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.ErrorIs(t, err, domain.ErrLimitReached)

	f.engine.Cancel(context.Background(), runID)
	f.waitTerminal(t, runID)
}

func TestEngineSpawnFailureMarksRunFailed(t *testing.T) {
	f := newEngineFixture(t, "", 0)
	defID := f.createDefinition(t)

	// A builder pointing at a missing binary makes every spawn fail.
	f.engine.builder = &missingBinaryBuilder{}

	_, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.ErrorIs(t, err, domain.ErrSpawn)

	runs, err := f.store.ListRuns(context.Background(), domain.RunFilter{Status: domain.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Contains(t, runs[0].Reason, "failed to spawn")
}

type missingBinaryBuilder struct{}

func (missingBinaryBuilder) Build(domain.AgentDefinition, string, string) (domain.Invocation, error) {
	return domain.Invocation{Path: "/nonexistent/agent-binary"}, nil
}

func TestEngineStartUnknownDefinition(t *testing.T) {
	f := newEngineFixture(t, "exit 0", 0)
	_, err := f.engine.Start(context.Background(), "ghost", "task", t.TempDir())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngineStartWithoutTask(t *testing.T) {
	f := newEngineFixture(t, "exit 0", 0)

	def := &domain.AgentDefinition{
		ID:           "def-no-task",
		Name:         "tester",
		Model:        "sonnet",
		SystemPrompt: "you are a test",
	}
	require.NoError(t, f.store.CreateDefinition(context.Background(), def))

	_, err := f.engine.Start(context.Background(), def.ID, "", t.TempDir())
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEngineReconcileRepairsStaleRuns(t *testing.T) {
	f := newEngineFixture(t, "exit 0", 0)
	ctx := context.Background()

	// Simulate a run left behind by a crashed engine: running status with a
	// pid no process owns.
	run := &domain.AgentRun{ID: "stale-run", AgentID: "def-1", AgentName: "tester",
		Model: "m", SystemPrompt: "s", Task: "t", ProjectPath: "/"}
	require.NoError(t, f.store.CreateRun(ctx, run))
	require.NoError(t, f.store.SetRunning(ctx, run.ID, 999999))

	repaired, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusFailed, got.Status)
	require.Equal(t, "process lost across restart", got.Reason)
	require.Nil(t, got.PID)
}

func TestEngineLiveSubscription(t *testing.T) {
	// Stall before emitting so the subscriber attaches ahead of the output.
	script := `
sleep 0.3
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"live"}]}}'
echo '{"type":"result","usage":{"input_tokens":1,"output_tokens":1}}'
exit 0`
	f := newEngineFixture(t, script, 0)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	ch, unsub, err := f.engine.Subscribe(context.Background(), runID)
	require.NoError(t, err)
	defer unsub()

	var kinds []domain.RunEventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == domain.RunEventEnded {
			break
		}
	}
	require.Equal(t, []domain.RunEventKind{
		domain.RunEventAssistant,
		domain.RunEventSummary,
		domain.RunEventEnded,
	}, kinds)
}

func TestEngineStopCancelsActiveRuns(t *testing.T) {
	f := newEngineFixture(t, "sleep 30", 0)
	defID := f.createDefinition(t)

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Stop(ctx))

	run, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCancelled, run.Status)
	require.Equal(t, "cancelled by shutdown", run.Reason)
	require.Empty(t, f.engine.ListActive())
}

func TestEngineLifecycleEventsOnBus(t *testing.T) {
	f := newEngineFixture(t, happyScript, 0)
	defID := f.createDefinition(t)

	started := make(chan domain.Event, 1)
	completed := make(chan domain.Event, 1)
	f.bus.Subscribe(domain.EventRunStarted, func(_ context.Context, ev domain.Event) {
		select {
		case started <- ev:
		default:
		}
	})
	f.bus.Subscribe(domain.EventRunCompleted, func(_ context.Context, ev domain.Event) {
		select {
		case completed <- ev:
		default:
		}
	})

	runID, err := f.engine.Start(context.Background(), defID, "task", t.TempDir())
	require.NoError(t, err)
	f.waitTerminal(t, runID)

	select {
	case ev := <-started:
		require.Equal(t, runID, ev.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("run.started never published")
	}
	select {
	case ev := <-completed:
		require.Equal(t, runID, ev.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("run.completed never published")
	}
}
