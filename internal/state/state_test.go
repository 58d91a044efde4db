package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"phobos.org.uk/relay/internal/phase"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStoreCreateAndLoad(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	st, err := store.Create("task-1", "tasks/task-1.md", 5, []string{"Read", "Edit"})
	require.NoError(t, err)
	require.Equal(t, phase.Idle, st.CurrentPhase)
	require.Equal(t, 5, st.MaxIterations)
	require.Equal(t, 0, st.CurrentIteration)

	loaded, err := store.Load("task-1")
	require.NoError(t, err)
	require.Equal(t, st.TaskID, loaded.TaskID)
	require.Equal(t, st.TaskPath, loaded.TaskPath)
	require.Equal(t, []string{"Read", "Edit"}, loaded.EnabledTools)
	require.NotNil(t, loaded.Context)
}

func TestStoreCreateRejectsExisting(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Create("task-1", "tasks/task-1.md", 5, nil)
	require.NoError(t, err)

	_, err = store.Create("task-1", "tasks/task-1.md", 5, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestStoreLoadNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLoadCorrupt(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	path := filepath.Join(store.Dir(), "broken.state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := store.Load("broken")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestStoreSaveIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	st, err := store.Create("task-1", "tasks/task-1.md", 3, nil)
	require.NoError(t, err)
	st.Context["fix_info"] = "verification feedback"
	st.Context["current_plan_phase"] = "Phase 2"
	require.NoError(t, store.Save(st))

	path := filepath.Join(store.Dir(), "task-1.state.json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(st))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second, "saving unchanged state must produce identical bytes")
}

func TestStoreListAndDelete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	for _, id := range []string{"b-task", "a-task"} {
		_, err := store.Create(id, "tasks/"+id+".md", 3, nil)
		require.NoError(t, err)
	}

	ids, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []string{"a-task", "b-task"}, ids)

	require.NoError(t, store.Delete("a-task"))
	require.ErrorIs(t, store.Delete("a-task"), ErrNotFound)

	ids, err = store.List()
	require.NoError(t, err)
	require.Equal(t, []string{"b-task"}, ids)
}

func TestPhaseTransitionsRecorded(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	st, err := store.Create("task-1", "tasks/task-1.md", 3, nil)
	require.NoError(t, err)

	st.StartIteration()
	require.NoError(t, store.UpdatePhase(st, phase.Implementation))
	require.True(t, st.IsRunning())
	require.NoError(t, store.CompletePhase(st, phase.Implementation, "implemented feature"))
	require.NoError(t, store.UpdatePhase(st, phase.Verification))
	require.NoError(t, store.FailPhase(st, phase.Verification, "criteria 2 unmet"))

	record := st.CurrentIterationRecord()
	require.Len(t, record.Steps, 4)
	require.Equal(t, phase.StepCompleted, record.Steps[1].Status)
	require.Equal(t, phase.StepFailed, record.Steps[3].Status)
	require.Equal(t, "criteria 2 unmet", record.Steps[3].Error)

	loaded, err := store.Load("task-1")
	require.NoError(t, err)
	require.Equal(t, phase.Verification, loaded.CurrentPhase)
	require.Equal(t, 1, loaded.CurrentIteration)
	require.Len(t, loaded.Iterations, 1)
}

func TestStepAttemptNumbering(t *testing.T) {
	t.Parallel()

	st := &ExecutionState{Context: map[string]any{}}
	st.StartIteration()

	// Opening and closing a phase belong to the same attempt.
	opened, err := st.RecordStep(phase.Implementation, phase.StepInProgress, "", "")
	require.NoError(t, err)
	closed, err := st.RecordStep(phase.Implementation, phase.StepCompleted, "", "done")
	require.NoError(t, err)
	require.Equal(t, 1, opened.Attempt)
	require.Equal(t, 1, closed.Attempt)

	// A closed phase re-opens as the next attempt.
	retry, err := st.RecordStep(phase.Implementation, phase.StepInProgress, "", "")
	require.NoError(t, err)
	require.Equal(t, 2, retry.Attempt)

	other, err := st.RecordStep(phase.Verification, phase.StepInProgress, "", "")
	require.NoError(t, err)
	require.Equal(t, 1, other.Attempt)
}

func TestRecordStepEnforcesForwardTransitions(t *testing.T) {
	t.Parallel()

	st := &ExecutionState{Context: map[string]any{}}
	st.StartIteration()

	// A phase cannot close before it opens, except by skipping.
	_, err := st.RecordStep(phase.Implementation, phase.StepCompleted, "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "implementation")

	_, err = st.RecordStep(phase.Verification, phase.StepSkipped, "", "skipped by flag")
	require.NoError(t, err)

	// An open phase cannot open again, and a closed attempt is never reopened
	// in place.
	_, err = st.RecordStep(phase.Implementation, phase.StepInProgress, "", "")
	require.NoError(t, err)
	_, err = st.RecordStep(phase.Implementation, phase.StepInProgress, "", "")
	require.Error(t, err)
	_, err = st.RecordStep(phase.Implementation, phase.StepFailed, "boom", "")
	require.NoError(t, err)
	_, err = st.RecordStep(phase.Implementation, phase.StepCompleted, "", "")
	require.Error(t, err, "a new attempt must open before it can complete")
}

func TestMarkTerminalStates(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	cases := []struct {
		name string
		mark func(*ExecutionState) error
		want phase.Phase
	}{
		{"completed", store.MarkCompleted, phase.Completed},
		{"failed", func(st *ExecutionState) error { return store.MarkFailed(st, "boom") }, phase.Failed},
		{"stopped", func(st *ExecutionState) error { return store.MarkStopped(st, "interrupted by user") }, phase.Stopped},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := store.Create("task-"+tc.name, "tasks/t.md", 3, nil)
			require.NoError(t, err)
			st.StartIteration()

			require.NoError(t, tc.mark(st))
			require.Equal(t, tc.want, st.CurrentPhase)
			require.NotNil(t, st.CompletedAt)
			require.False(t, st.IsRunning())
			require.NotNil(t, st.CurrentIterationRecord().CompletedAt)
		})
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	st := &ExecutionState{MaxIterations: 2, CurrentPhase: phase.Implementation}
	require.False(t, st.Exhausted())
	st.StartIteration()
	st.StartIteration()
	require.True(t, st.Exhausted())

	st.CurrentPhase = phase.Completed
	require.False(t, st.Exhausted(), "terminal states are never exhausted")
}
