package loop

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/phase"
	"phobos.org.uk/relay/internal/runner"
	"phobos.org.uk/relay/internal/state"
)

type loopFixture struct {
	orch  *Orchestrator
	store *state.Store
	mock  *runner.MockRunner
	rcfg  RunConfig
}

// newLoopFixture wires an orchestrator against a scripted mock backend.
// Agent specs exist for the required phases only; test critique and manager
// are deliberately absent so each iteration consumes exactly four results:
// implementation, verification, code quality, completion check.
func newLoopFixture(t *testing.T, maxIterations int) *loopFixture {
	t.Helper()

	agentsDir := t.TempDir()
	for _, stem := range []string{"implementer", "verifier", "code_quality", "completion_check"} {
		body := fmt.Sprintf("---\nname: %s\n---\nYou are the %s agent.", stem, stem)
		require.NoError(t, os.WriteFile(filepath.Join(agentsDir, stem+".md"), []byte(body), 0644))
	}

	cfg := config.Default()
	cfg.DefaultBackend = api.BackendMock
	cfg.StateDir = t.TempDir()
	cfg.AgentsDir = agentsDir
	cfg.MaxIterations = maxIterations

	store, err := state.NewStore(cfg.StateDir)
	require.NoError(t, err)

	log := logging.New(logging.Config{Output: io.Discard, Component: "loop-test"})
	registry := runner.NewRegistry(cfg, t.TempDir(), log)
	mock := runner.NewMockRunner()
	registry.Register(api.BackendMock, mock)

	orch, err := NewOrchestrator(cfg, store, registry, nil, nil, log)
	require.NoError(t, err)

	return &loopFixture{
		orch:  orch,
		store: store,
		mock:  mock,
		rcfg: RunConfig{
			TaskID:        "task-1",
			TaskPath:      t.TempDir(),
			MaxIterations: maxIterations,
		},
	}
}

func jsonResult(body string) runner.Result {
	return runner.Success("```json\n"+body+"\n```", runner.TokenUsage{runner.UsageTotal: 10})
}

func implResult(files ...string) runner.Result {
	r := runner.Success("implemented the feature", nil)
	r.FilesAdded = files
	return r
}

func TestRunCompletesInOneIteration(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.mock.Enqueue(
		implResult("pkg/feature.go", "pkg/feature_test.go"),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Completed, st.CurrentPhase)
	require.Equal(t, 1, st.CurrentIteration)
	require.Len(t, st.Iterations, 1)
	require.NotNil(t, st.CompletedAt)

	record := st.Iterations[0]
	require.True(t, record.TestsAccepted)
	require.True(t, record.VerificationPassed)
	require.True(t, record.QualityPassed)
	require.Equal(t, []string{"pkg/feature.go", "pkg/feature_test.go"}, record.FilesAdded)
	require.NotNil(t, record.CompletedAt)

	// Gate ordering: the completed steps appear in pipeline order.
	var completedPhases []phase.Phase
	for _, step := range record.Steps {
		if step.Status == phase.StepCompleted || step.Status == phase.StepSkipped {
			completedPhases = append(completedPhases, step.Phase)
		}
	}
	require.Equal(t, []phase.Phase{
		phase.Implementation,
		phase.TestCritique,
		phase.Verification,
		phase.CodeQuality,
		phase.Manager,
		phase.CompletionCheck,
	}, completedPhases)

	// Persisted state matches in-memory outcome.
	loaded, err := f.store.Load("task-1")
	require.NoError(t, err)
	require.Equal(t, phase.Completed, loaded.CurrentPhase)
	require.Equal(t, "implemented the feature", loaded.LastAgentOutput)
}

func TestRunRetriesWithFixInfoAfterVerificationFailure(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.mock.Enqueue(
		// Iterations 1 and 2: verification rejects.
		implResult("a.go"),
		jsonResult(`{"criteria_met": false, "fix_info": "criterion 2 unmet"}`),
		implResult("a.go"),
		jsonResult(`{"criteria_met": false, "fix_info": "criterion 2 still unmet"}`),
		// Iteration 3: clean pass.
		implResult("a.go"),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Completed, st.CurrentPhase)
	require.Equal(t, 3, st.CurrentIteration)
	require.Len(t, st.Iterations, 3)

	first := st.Iterations[0]
	require.Equal(t, "criterion 2 unmet", first.FixInfo)
	require.False(t, first.VerificationPassed)
	require.NotNil(t, first.CompletedAt, "failed iteration is closed")
	require.Equal(t, "criterion 2 still unmet", st.Iterations[1].FixInfo)
	require.Empty(t, st.Iterations[2].FixInfo)

	// Fix info reaches the next implementation invocation's context.
	calls := f.mock.Calls()
	require.Equal(t, "implementer", calls[2].AgentName)
	require.Equal(t, "criterion 2 unmet", calls[2].Context["fix_info"])
	require.Contains(t, calls[2].Prompt, "Fix Mode")
	require.Equal(t, "criterion 2 still unmet", calls[4].Context["fix_info"])

	// Monotonic iteration numbering.
	for i, rec := range st.Iterations {
		require.Equal(t, i+1, rec.Iteration)
	}
}

func TestRunQualityGateFailureLoopsBack(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.mock.Enqueue(
		implResult(),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": false, "fix_info": "lint errors in a.go"}`),
		implResult(),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Completed, st.CurrentPhase)
	require.Equal(t, "lint errors in a.go", st.Iterations[0].FixInfo)
	require.True(t, st.Iterations[0].VerificationPassed)
	require.False(t, st.Iterations[0].QualityPassed)
}

// writeAgent adds an optional agent spec the fixture leaves out.
func writeAgent(t *testing.T, f *loopFixture, stem string) {
	t.Helper()
	body := fmt.Sprintf("---\nname: %s\n---\nYou are the %s agent.", stem, stem)
	require.NoError(t, os.WriteFile(filepath.Join(f.orch.cfg.AgentsDir, stem+".md"), []byte(body), 0644))
}

func TestRunCritiqueGateFailureLoopsBackWithFixInfo(t *testing.T) {
	f := newLoopFixture(t, 5)
	writeAgent(t, f, "test_critique")
	f.mock.Enqueue(
		implResult("a_test.go"),
		jsonResult(`{"critique_passed": false, "fix_info": "tests are hollow", "test_quality_score": "3"}`),
		implResult("a_test.go"),
		jsonResult(`{"critique_passed": true, "test_quality_score": "9"}`),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Completed, st.CurrentPhase)
	require.Equal(t, 2, st.CurrentIteration)

	first := st.Iterations[0]
	require.Equal(t, "tests are hollow", first.FixInfo)
	require.False(t, first.TestsAccepted)
	require.NotNil(t, first.CompletedAt, "rejected iteration is closed")

	var critiqueFailed bool
	for _, step := range first.Steps {
		if step.Phase == phase.TestCritique && step.Status == phase.StepFailed {
			critiqueFailed = true
			require.Equal(t, "tests are hollow", step.Error)
		}
	}
	require.True(t, critiqueFailed)

	// The rejection short-circuits the iteration and feeds the next
	// implementation attempt.
	calls := f.mock.Calls()
	require.Equal(t, "test_critique", calls[1].AgentName)
	require.Equal(t, "implementer", calls[2].AgentName, "verification never ran after the critique rejection")
	require.Equal(t, "tests are hollow", calls[2].Context["fix_info"])
	require.True(t, st.Iterations[1].TestsAccepted)
}

func TestRunCritiqueBackendErrorPassesThrough(t *testing.T) {
	f := newLoopFixture(t, 5)
	writeAgent(t, f, "test_critique")
	f.mock.Enqueue(
		implResult(),
		runner.Failure("critique tool crashed", 1),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Completed, st.CurrentPhase)
	require.Equal(t, 1, st.CurrentIteration)
	require.True(t, st.Iterations[0].TestsAccepted)
	require.Empty(t, st.Iterations[0].FixInfo)

	var sawPassThrough bool
	for _, step := range st.Iterations[0].Steps {
		if step.Phase == phase.TestCritique && step.Status == phase.StepCompleted {
			sawPassThrough = true
			require.Contains(t, step.OutputSummary, "critique unavailable")
		}
	}
	require.True(t, sawPassThrough, "erroring critique completes the step instead of gating")
}

func TestRunImplementationFailureFailsRun(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.mock.Enqueue(runner.Failure("compiler exploded", 1))

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.Error(t, err)
	require.Equal(t, phase.Failed, st.CurrentPhase)
	require.Contains(t, st.ErrorMessage, "compiler exploded")
	require.NotNil(t, st.CompletedAt)
}

func TestRunLogsWhenFailedStateCannotPersist(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.mock.Enqueue(runner.Failure("compiler exploded", 1))

	// Squat on the store's temp file path right after the implementation
	// call, so the terminal Failed marker cannot be saved.
	squat := filepath.Join(f.orch.cfg.StateDir, "task-1.state.json.tmp")
	f.orch.registry.Register(api.BackendMock, &signalingRunner{
		inner:  f.mock,
		signal: func() { require.NoError(t, os.Mkdir(squat, 0755)) },
	})

	_, err := f.orch.Run(context.Background(), f.rcfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "writing state")

	result := f.orch.log.Query(logging.Query{Level: logging.LevelError})
	var sawPersistError bool
	for _, e := range result.Entries {
		if e.Message == "persisting failed state" {
			sawPersistError = true
		}
	}
	require.True(t, sawPersistError, "losing the terminal marker is surfaced in the log")
}

func TestRunIterationCeilingIsBoundaryNotError(t *testing.T) {
	f := newLoopFixture(t, 2)
	for i := 0; i < 2; i++ {
		f.mock.Enqueue(
			implResult(),
			jsonResult(`{"criteria_met": true}`),
			jsonResult(`{"quality_passed": true}`),
			jsonResult(`{"task_complete": false, "remaining_items": ["story 3"]}`),
		)
	}

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err, "exhausting the budget is not an error")
	require.False(t, st.CurrentPhase.IsTerminal())
	require.Equal(t, 2, st.CurrentIteration)
	require.True(t, st.Exhausted())
}

func TestRunCompletionRequiresExplicitAffirmative(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.mock.Enqueue(
		implResult(),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": true}`),
		// Unparsable verdict: must not complete.
		runner.Success("everything looks done to me!", nil),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.NotEqual(t, phase.Completed, st.CurrentPhase)
}

func TestRunVerificationBackendErrorIsGateFailure(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.mock.Enqueue(
		implResult(),
		runner.Failure("verification timed out", runner.ExitTimeout),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.NotEqual(t, phase.Completed, st.CurrentPhase)
	require.Equal(t, "verification timed out", st.Iterations[0].FixInfo)
}

func TestRunSkipVerify(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.rcfg.SkipVerify = true
	f.mock.Enqueue(
		implResult(),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Completed, st.CurrentPhase)

	for _, call := range f.mock.Calls() {
		require.NotEqual(t, "verifier", call.AgentName)
	}

	var sawSkip bool
	for _, step := range st.Iterations[0].Steps {
		if step.Phase == phase.Verification && step.Status == phase.StepSkipped {
			sawSkip = true
		}
	}
	require.True(t, sawSkip)
}

func TestResumeKeepsSkipVerify(t *testing.T) {
	f := newLoopFixture(t, 1)
	require.NoError(t, os.Remove(filepath.Join(f.orch.cfg.AgentsDir, "verifier.md")))
	f.rcfg.SkipVerify = true
	f.mock.Enqueue(
		implResult(),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": false}`),
	)

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.True(t, st.Exhausted())

	loaded, err := f.store.Load("task-1")
	require.NoError(t, err)
	require.True(t, loaded.SkipVerify, "skip-verify survives persistence")

	// Grant one more iteration, then resume: the verification gate must stay
	// skipped even though no verifier spec exists on disk.
	loaded.MaxIterations = 2
	require.NoError(t, f.store.Save(loaded))
	f.mock.Enqueue(
		implResult(),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	resumed, err := f.orch.Resume(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, phase.Completed, resumed.CurrentPhase)
	for _, call := range f.mock.Calls() {
		require.NotEqual(t, "verifier", call.AgentName)
	}
}

func TestRunMissingRequiredAgentSpec(t *testing.T) {
	f := newLoopFixture(t, 5)
	require.NoError(t, os.Remove(filepath.Join(f.orch.cfg.AgentsDir, "verifier.md")))

	_, err := f.orch.Run(context.Background(), f.rcfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "verification")
}

func TestResumeRejectsTerminalState(t *testing.T) {
	f := newLoopFixture(t, 5)
	st, err := f.store.Create("done-task", f.rcfg.TaskPath, 5, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkCompleted(st))

	_, err = f.orch.Resume(context.Background(), "done-task")
	require.Error(t, err)
	require.Contains(t, err.Error(), "already completed")
}

func TestResumeMissingState(t *testing.T) {
	f := newLoopFixture(t, 5)
	_, err := f.orch.Resume(context.Background(), "never-ran")
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestResumeCarriesContextIntoFreshIteration(t *testing.T) {
	f := newLoopFixture(t, 5)

	st, err := f.store.Create("task-1", f.rcfg.TaskPath, 5, nil)
	require.NoError(t, err)
	st.StartIteration()
	st.Context[state.ContextFixInfo] = "persisted feedback"
	st.CurrentPhase = phase.Verification
	require.NoError(t, f.store.Save(st))

	f.mock.Enqueue(
		implResult(),
		jsonResult(`{"criteria_met": true}`),
		jsonResult(`{"quality_passed": true}`),
		jsonResult(`{"task_complete": true}`),
	)

	resumed, err := f.orch.Resume(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, phase.Completed, resumed.CurrentPhase)
	require.Equal(t, 2, resumed.CurrentIteration, "resume restarts at a fresh iteration")

	calls := f.mock.Calls()
	require.Equal(t, "implementer", calls[0].AgentName)
	require.Equal(t, "persisted feedback", calls[0].Context["fix_info"])
}

func TestInterruptBeforeFirstIterationStops(t *testing.T) {
	f := newLoopFixture(t, 5)
	require.True(t, f.orch.interrupter.Signal(), "first signal is a request")

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Stopped, st.CurrentPhase)
	require.Equal(t, "interrupted by user", st.ErrorMessage)
	require.Empty(t, f.mock.Calls(), "no phase runs after an early interrupt")
}

// signalingRunner fires a callback right after its first agent call, so a
// side effect lands deterministically between the implementation phase and
// the next loop action.
type signalingRunner struct {
	inner  runner.Runner
	signal func()
	once   sync.Once
}

func (s *signalingRunner) Name() string      { return s.inner.Name() }
func (s *signalingRunner) IsAvailable() bool { return s.inner.IsAvailable() }

func (s *signalingRunner) RunAgent(ctx context.Context, spec *runner.AgentSpec, prompt string, contextData map[string]any) runner.Result {
	defer s.once.Do(s.signal)
	return s.inner.RunAgent(ctx, spec, prompt, contextData)
}

func (s *signalingRunner) RunPrompt(ctx context.Context, prompt, systemPrompt string) runner.Result {
	return s.inner.RunPrompt(ctx, prompt, systemPrompt)
}

func TestInterruptBetweenPhasesStopsAtBoundary(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.mock.Enqueue(implResult("a.go"))
	f.orch.registry.Register(api.BackendMock, &signalingRunner{
		inner:  f.mock,
		signal: func() { f.orch.interrupter.Signal() },
	})

	st, err := f.orch.Run(context.Background(), f.rcfg)
	require.NoError(t, err)
	require.Equal(t, phase.Stopped, st.CurrentPhase)
	require.Equal(t, 1, st.CurrentIteration)

	// Only the implementation ran before the interrupt was honored.
	calls := f.mock.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "implementer", calls[0].AgentName)

	// The iteration's work was recorded before stopping, and the cleanup
	// manager step was attempted.
	require.Equal(t, []string{"a.go"}, st.Iterations[0].FilesAdded)
	require.NotNil(t, st.Iterations[0].CompletedAt)
	var sawManager bool
	for _, step := range st.Iterations[0].Steps {
		if step.Phase == phase.Manager {
			sawManager = true
		}
	}
	require.True(t, sawManager)
}

func TestSecondSignalForces(t *testing.T) {
	t.Parallel()
	i := NewInterrupter()
	ctx := i.Bind(context.Background())

	require.True(t, i.Signal())
	require.True(t, i.Requested())
	require.False(t, i.Forced())
	require.NoError(t, ctx.Err())

	require.False(t, i.Signal())
	require.True(t, i.Forced())
	require.Error(t, ctx.Err(), "second signal cancels the run context")
}

func TestShouldRunManagerOnInterrupt(t *testing.T) {
	f := newLoopFixture(t, 5)

	st := &state.ExecutionState{Context: map[string]any{}}
	require.False(t, f.orch.shouldRunManagerOnInterrupt(st), "nothing to clean up before the first iteration")

	st.StartIteration()
	st.CurrentPhase = phase.Verification
	require.True(t, f.orch.shouldRunManagerOnInterrupt(st))

	st.CurrentPhase = phase.Manager
	require.False(t, f.orch.shouldRunManagerOnInterrupt(st))

	st.CurrentPhase = phase.Verification
	_, err := st.RecordStep(phase.Manager, phase.StepInProgress, "", "")
	require.NoError(t, err)
	_, err = st.RecordStep(phase.Manager, phase.StepCompleted, "", "")
	require.NoError(t, err)
	require.False(t, f.orch.shouldRunManagerOnInterrupt(st))
}
