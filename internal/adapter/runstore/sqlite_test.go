package runstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentdock/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDefinition(id string) *domain.AgentDefinition {
	return &domain.AgentDefinition{
		ID:             id,
		Name:           "reviewer",
		Icon:           "bot",
		Model:          "sonnet",
		SystemPrompt:   "review code",
		DefaultTask:    "review the diff",
		Schedule:       "@hourly",
		EnableFileRead: true,
		Hooks: &domain.DefinitionHooks{
			OnStart:    "notify start",
			OnComplete: "notify done",
		},
	}
}

func testRun(id string) *domain.AgentRun {
	return &domain.AgentRun{
		ID:           id,
		AgentID:      "def-1",
		AgentName:    "reviewer",
		AgentIcon:    "bot",
		Model:        "sonnet",
		SystemPrompt: "review code",
		Task:         "review the diff",
		ProjectPath:  "/tmp/project",
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	def := testDefinition("def-1")
	require.NoError(t, store.CreateDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, "def-1")
	require.NoError(t, err)
	require.Equal(t, def.Name, got.Name)
	require.Equal(t, def.Model, got.Model)
	require.Equal(t, def.Schedule, got.Schedule)
	require.True(t, got.EnableFileRead)
	require.False(t, got.EnableNetwork)
	require.NotNil(t, got.Hooks)
	require.Equal(t, "notify start", got.Hooks.OnStart)
	require.False(t, got.CreatedAt.IsZero())
}

func TestDefinitionDuplicateID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateDefinition(ctx, testDefinition("def-1")))
	err := store.CreateDefinition(ctx, testDefinition("def-1"))
	require.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestDefinitionValidation(t *testing.T) {
	store := openTestStore(t)

	def := testDefinition("def-1")
	def.Model = ""
	err := store.CreateDefinition(context.Background(), def)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDefinitionUpdateAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	def := testDefinition("def-1")
	require.NoError(t, store.CreateDefinition(ctx, def))

	def.Name = "renamed"
	def.Hooks = nil
	require.NoError(t, store.UpdateDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, "def-1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Nil(t, got.Hooks)

	require.NoError(t, store.DeleteDefinition(ctx, "def-1"))
	_, err = store.GetDefinition(ctx, "def-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.ErrorIs(t, store.DeleteDefinition(ctx, "def-1"), domain.ErrNotFound)
	require.ErrorIs(t, store.UpdateDefinition(ctx, def), domain.ErrNotFound)
}

func TestRunLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := testRun("run-1")
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusPending, got.Status)
	require.Nil(t, got.PID)
	require.Nil(t, got.Metrics)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, store.SetRunning(ctx, "run-1", 4321))
	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusRunning, got.Status)
	require.NotNil(t, got.PID)
	require.Equal(t, 4321, *got.PID)

	metrics := &domain.RunMetrics{InputTokens: 10, OutputTokens: 20, CostUSD: 0.5, DurationMS: 900}
	require.NoError(t, store.SetTerminal(ctx, "run-1", domain.RunStatusCompleted, "completed", metrics))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, got.Status)
	require.Equal(t, "completed", got.Reason)
	require.Nil(t, got.PID, "pid present iff running")
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, metrics, got.Metrics)
}

func TestSetTerminalIsSingleShot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, store.SetRunning(ctx, "run-1", 1))

	require.NoError(t, store.SetTerminal(ctx, "run-1", domain.RunStatusCancelled, "cancelled by user", nil))
	// Losing the race is a silent no-op.
	require.NoError(t, store.SetTerminal(ctx, "run-1", domain.RunStatusFailed, "exited with code 1", nil))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCancelled, got.Status)
	require.Equal(t, "cancelled by user", got.Reason)
}

func TestSetTerminalRejectsNonTerminalStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, testRun("run-1")))

	err := store.SetTerminal(ctx, "run-1", domain.RunStatusRunning, "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSetTerminalUnknownRun(t *testing.T) {
	store := openTestStore(t)
	err := store.SetTerminal(context.Background(), "ghost", domain.RunStatusFailed, "x", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendOutputPreservesOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, store.SetRunning(ctx, "run-1", 1))

	for _, line := range []string{"first", "second", "third"} {
		require.NoError(t, store.AppendOutputLine(ctx, "run-1", line))
	}

	lines, err := store.GetOutput(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, lines)
}

func TestAppendOutputAfterTerminalIsNoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, store.AppendOutputLine(ctx, "run-1", "kept"))
	require.NoError(t, store.SetTerminal(ctx, "run-1", domain.RunStatusFailed, "x", nil))

	// A straggling pipeline write after the terminal transition is dropped.
	require.NoError(t, store.AppendOutputLine(ctx, "run-1", "dropped"))

	lines, err := store.GetOutput(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, lines)
}

func TestAppendOutputUnknownRun(t *testing.T) {
	store := openTestStore(t)
	err := store.AppendOutputLine(context.Background(), "ghost", "line")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetSessionIDFirstWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, store.SetSessionID(ctx, "run-1", "sess-a"))
	require.NoError(t, store.SetSessionID(ctx, "run-1", "sess-b"))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "sess-a", got.SessionID)
}

func TestListRunsFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := testRun("run-a")
	require.NoError(t, store.CreateRun(ctx, a))
	b := testRun("run-b")
	b.AgentID = "def-2"
	require.NoError(t, store.CreateRun(ctx, b))
	require.NoError(t, store.SetRunning(ctx, "run-b", 7))

	running, err := store.ListRuns(ctx, domain.RunFilter{Status: domain.RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "run-b", running[0].ID)

	byAgent, err := store.ListRuns(ctx, domain.RunFilter{AgentID: "def-1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	require.Equal(t, "run-a", byAgent[0].ID)

	limited, err := store.ListRuns(ctx, domain.RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSetRunningRequiresPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, store.SetRunning(ctx, "run-1", 1))

	// running → running is not a valid transition
	require.Error(t, store.SetRunning(ctx, "run-1", 2))
}
