// Package loop contains the orchestrator driving the multi-phase
// implement/verify/finalize pipeline over pluggable agent backends.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/hook"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/phase"
	"phobos.org.uk/relay/internal/plan"
	"phobos.org.uk/relay/internal/runner"
	"phobos.org.uk/relay/internal/state"
)

// RunConfig describes one task run.
type RunConfig struct {
	TaskID              string
	TaskPath            string
	MaxIterations       int
	EnabledTools        []string
	SkipVerify          bool
	VerificationScripts []string
}

// agentFiles maps pipeline phases to their agent spec file stems under the
// agents directory.
var agentFiles = map[phase.Phase]string{
	phase.Implementation:  "implementer",
	phase.TestCritique:    "test_critique",
	phase.Verification:    "verifier",
	phase.CodeQuality:     "code_quality",
	phase.Manager:         "manager",
	phase.CompletionCheck: "completion_check",
}

// Orchestrator owns Execution State mutation for a run. Phases execute
// strictly sequentially; every state mutation is immediately persisted
// through the store.
type Orchestrator struct {
	cfg         *config.Config
	store       *state.Store
	registry    *runner.Registry
	hooks       *hook.Registry
	interrupter *Interrupter
	log         *logging.Logger
}

// NewOrchestrator wires an orchestrator and fails fast on configuration
// errors: every backend referenced by configuration must be available.
func NewOrchestrator(cfg *config.Config, store *state.Store, registry *runner.Registry, hooks *hook.Registry, interrupter *Interrupter, log *logging.Logger) (*Orchestrator, error) {
	if log == nil {
		log = logging.New(logging.Config{Component: "loop"})
	}
	if hooks == nil {
		hooks = hook.NewRegistry(log)
	}
	if interrupter == nil {
		interrupter = NewInterrupter()
	}

	missing, err := registry.CheckAvailability()
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("backends unavailable: %s", strings.Join(missing, ", "))
	}

	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		hooks:       hooks,
		interrupter: interrupter,
		log:         log,
	}, nil
}

// Run starts a fresh loop for a task, replacing any previous state.
func (o *Orchestrator) Run(ctx context.Context, rcfg RunConfig) (*state.ExecutionState, error) {
	if err := o.validateAgents(rcfg); err != nil {
		return nil, err
	}

	if err := o.store.Delete(rcfg.TaskID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	maxIter := rcfg.MaxIterations
	if maxIter <= 0 {
		maxIter = o.cfg.MaxIterations
	}
	tools := rcfg.EnabledTools
	if len(tools) == 0 {
		tools = o.cfg.EnabledTools
	}

	st, err := o.store.Create(rcfg.TaskID, rcfg.TaskPath, maxIter, tools)
	if err != nil {
		return nil, err
	}
	rcfg.MaxIterations = maxIter

	// Run flags shape the pipeline, so a resume must see them too.
	st.SkipVerify = rcfg.SkipVerify
	st.VerificationScripts = rcfg.VerificationScripts
	if err := o.store.Save(st); err != nil {
		return nil, err
	}

	return o.runLoop(ctx, st, rcfg)
}

// Resume continues a previously started loop from its persisted state. The
// loop re-enters at a fresh iteration, carrying forward the saved context;
// terminal tasks cannot be resumed.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*state.ExecutionState, error) {
	st, err := o.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	if st.CurrentPhase.IsTerminal() {
		return nil, fmt.Errorf("task %s is already %s", taskID, st.CurrentPhase)
	}

	rcfg := RunConfig{
		TaskID:              st.TaskID,
		TaskPath:            st.TaskPath,
		MaxIterations:       st.MaxIterations,
		EnabledTools:        st.EnabledTools,
		SkipVerify:          st.SkipVerify,
		VerificationScripts: st.VerificationScripts,
	}
	if err := o.validateAgents(rcfg); err != nil {
		return nil, err
	}

	o.log.Info("resuming task", map[string]any{
		"task_id":   taskID,
		"phase":     st.CurrentPhase.String(),
		"iteration": st.CurrentIteration,
	})
	return o.runLoop(ctx, st, rcfg)
}

// validateAgents checks that every required phase has an agent spec on disk.
// Advisory and observational phases may be absent.
func (o *Orchestrator) validateAgents(rcfg RunConfig) error {
	required := []phase.Phase{phase.Implementation, phase.CodeQuality, phase.CompletionCheck}
	if !rcfg.SkipVerify {
		required = append(required, phase.Verification)
	}

	var missing []string
	for _, p := range required {
		if _, err := os.Stat(o.agentPath(p)); err != nil {
			missing = append(missing, p.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("agent specs missing for required phases: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (o *Orchestrator) runLoop(ctx context.Context, st *state.ExecutionState, rcfg RunConfig) (*state.ExecutionState, error) {
	ctx = o.interrupter.Bind(ctx)
	log := o.log.WithTask(st.TaskID)
	log.Info("loop started", map[string]any{
		"task_path":      rcfg.TaskPath,
		"max_iterations": st.MaxIterations,
	})
	o.hooks.Trigger(ctx, hook.EventRunStarted, map[string]any{"task_id": st.TaskID})

	for o.shouldContinue(st) {
		if o.interrupter.Requested() {
			return st, o.handleInterrupt(ctx, st, rcfg)
		}
		if err := o.runIteration(ctx, st, rcfg); err != nil {
			if saveErr := o.store.MarkFailed(st, err.Error()); saveErr != nil {
				log.Error("persisting failed state", map[string]any{"error": saveErr.Error()})
			}
			o.hooks.Trigger(ctx, hook.EventRunFailed, map[string]any{"task_id": st.TaskID, "error": err.Error()})
			return st, err
		}
	}

	if o.interrupter.Requested() && !st.CurrentPhase.IsTerminal() {
		return st, o.handleInterrupt(ctx, st, rcfg)
	}

	o.finalize(ctx, st)
	return st, nil
}

func (o *Orchestrator) shouldContinue(st *state.ExecutionState) bool {
	if st.CurrentPhase.IsTerminal() {
		return false
	}
	if st.CurrentIteration >= st.MaxIterations {
		o.log.WithTask(st.TaskID).Warn("max iterations reached", map[string]any{
			"iterations": st.CurrentIteration,
		})
		return false
	}
	return true
}

// runIteration executes one pass of the pipeline. Gate failures store fix
// info and return nil so the loop retries; only persistence errors propagate.
func (o *Orchestrator) runIteration(ctx context.Context, st *state.ExecutionState, rcfg RunConfig) error {
	record := st.StartIteration()
	log := o.log.WithTask(st.TaskID)
	log.Info("iteration started", map[string]any{
		"iteration": record.Iteration,
		"max":       st.MaxIterations,
	})
	o.hooks.Trigger(ctx, hook.EventIterationStart, map[string]any{
		"task_id":   st.TaskID,
		"iteration": record.Iteration,
	})

	updater, planDoc := o.preparePlanProgress(st, rcfg)

	// Implementation
	implResult, err := o.runImplementation(ctx, st, rcfg, updater, planDoc)
	if err != nil {
		return err
	}
	if !implResult.Success {
		// Abandoned iteration: best-effort manager update, then fail the run.
		if err := o.store.FailPhase(st, phase.Implementation, orDefault(implResult.Error, "implementation failed")); err != nil {
			return err
		}
		o.runManager(ctx, st, rcfg, updater, planDoc)
		return fmt.Errorf("implementation failed: %s", orDefault(implResult.Error, "unknown error"))
	}

	record.FilesChanged = implResult.FilesChanged
	record.FilesAdded = implResult.FilesAdded
	if len(record.FilesChanged) == 0 && len(record.FilesAdded) == 0 {
		record.FilesChanged = stringSlice(implResult.Structured["files_changed"])
		record.FilesAdded = stringSlice(implResult.Structured["files_added"])
	}
	st.LastAgentOutput = implResult.Output
	if err := o.store.Save(st); err != nil {
		return err
	}

	if o.interrupter.Requested() {
		return nil
	}

	// Test critique: advisory, never blocks on absent or failing tooling.
	accepted, fixInfo, err := o.runTestCritique(ctx, st, rcfg, implResult, updater, planDoc)
	if err != nil {
		return err
	}
	if !accepted {
		return o.recordGateFailure(st, record, fixInfo)
	}
	record.TestsAccepted = true

	if o.interrupter.Requested() {
		return nil
	}

	// Verification
	if rcfg.SkipVerify {
		if err := o.store.SkipPhase(st, phase.Verification, "verification skipped by flag"); err != nil {
			return err
		}
		o.planUpdate(updater, planDoc, phase.Verification, plan.RowSkipped, st.CurrentIteration, "skipped by flag")
	} else {
		met, fixInfo, err := o.runVerification(ctx, st, rcfg, implResult, updater, planDoc)
		if err != nil {
			return err
		}
		if !met {
			return o.recordGateFailure(st, record, fixInfo)
		}
	}
	record.VerificationPassed = true

	if o.interrupter.Requested() {
		return nil
	}

	// Code quality
	passed, fixInfo, err := o.runCodeQuality(ctx, st, rcfg, implResult, updater, planDoc)
	if err != nil {
		return err
	}
	if !passed {
		return o.recordGateFailure(st, record, fixInfo)
	}
	record.QualityPassed = true

	// All gates green: the corrective feedback has served its purpose.
	delete(st.Context, state.ContextFixInfo)

	// Manager: observational, outcome never gates the loop.
	o.runManager(ctx, st, rcfg, updater, planDoc)

	if o.interrupter.Requested() {
		return nil
	}

	// Completion check
	complete, err := o.runCompletionCheck(ctx, st, rcfg, updater, planDoc)
	if err != nil {
		return err
	}
	if complete {
		if updater != nil {
			if _, err := updater.MarkAllComplete(""); err != nil {
				log.Warn("marking plan complete failed", map[string]any{"error": err.Error()})
			}
		}
		if err := o.store.MarkCompleted(st); err != nil {
			return err
		}
	}

	st.CloseIteration()
	log.Info("iteration finished", map[string]any{
		"iteration":           record.Iteration,
		"verification_passed": record.VerificationPassed,
		"quality_passed":      record.QualityPassed,
	})
	return o.store.Save(st)
}

// recordGateFailure stores corrective feedback on both the state context
// (for the next implementation attempt) and the iteration record (for
// audit), then closes the iteration.
func (o *Orchestrator) recordGateFailure(st *state.ExecutionState, record *state.IterationRecord, fixInfo string) error {
	st.Context[state.ContextFixInfo] = fixInfo
	record.FixInfo = fixInfo
	st.CloseIteration()
	return o.store.Save(st)
}

func (o *Orchestrator) runImplementation(ctx context.Context, st *state.ExecutionState, rcfg RunConfig, updater *plan.Updater, planDoc string) (runner.Result, error) {
	if err := o.store.UpdatePhase(st, phase.Implementation); err != nil {
		return runner.Result{}, err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseStart, phasePayload(st, phase.Implementation))
	o.planUpdate(updater, planDoc, phase.Implementation, plan.RowInProgress, st.CurrentIteration, "implementation running")

	spec, err := o.loadAgent(phase.Implementation)
	if err != nil {
		return runner.Result{}, err
	}

	contextData := map[string]any{
		"task_id":   st.TaskID,
		"task_path": rcfg.TaskPath,
		"iteration": st.CurrentIteration,
	}
	if fix, ok := st.Context[state.ContextFixInfo].(string); ok && fix != "" {
		contextData["fix_info"] = fix
	}

	result := o.invoke(ctx, phase.Implementation, spec, buildImplementationPrompt(st, rcfg), contextData)
	o.logUsage(st, phase.Implementation, result.Usage)

	if result.Success {
		if err := o.store.CompletePhase(st, phase.Implementation, runner.Summarize(result.Output, 200)); err != nil {
			return result, err
		}
		o.hooks.Trigger(ctx, hook.EventPhaseComplete, phasePayload(st, phase.Implementation))
		o.planUpdate(updater, planDoc, phase.Implementation, plan.RowPassed, st.CurrentIteration, "implementation complete")
	} else {
		o.hooks.Trigger(ctx, hook.EventPhaseFailed, phasePayload(st, phase.Implementation))
		o.planUpdate(updater, planDoc, phase.Implementation, plan.RowFailed, st.CurrentIteration, orDefault(result.Error, "implementation failed"))
	}
	return result, nil
}

// runTestCritique returns (accepted, fixInfo). Missing or erroring critique
// tooling is a pass-through: blocking the loop on optional analysis would
// produce false negatives.
func (o *Orchestrator) runTestCritique(ctx context.Context, st *state.ExecutionState, rcfg RunConfig, implResult runner.Result, updater *plan.Updater, planDoc string) (bool, string, error) {
	if err := o.store.UpdatePhase(st, phase.TestCritique); err != nil {
		return false, "", err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseStart, phasePayload(st, phase.TestCritique))
	o.planUpdate(updater, planDoc, phase.TestCritique, plan.RowInProgress, st.CurrentIteration, "test critique running")

	spec, err := o.loadAgent(phase.TestCritique)
	if err != nil {
		if err := o.store.SkipPhase(st, phase.TestCritique, "agent not configured"); err != nil {
			return false, "", err
		}
		o.planUpdate(updater, planDoc, phase.TestCritique, plan.RowSkipped, st.CurrentIteration, "agent not configured")
		return true, "", nil
	}

	files := append(append([]string{}, implResult.FilesChanged...), implResult.FilesAdded...)
	contextData := map[string]any{
		"task_id":       st.TaskID,
		"task_path":     rcfg.TaskPath,
		"files_changed": implResult.FilesChanged,
		"files_added":   implResult.FilesAdded,
		"iteration":     st.CurrentIteration,
	}

	result := o.invoke(ctx, phase.TestCritique, spec, buildTestCritiquePrompt(st, rcfg, files), contextData)
	o.logUsage(st, phase.TestCritique, result.Usage)

	if !result.Success || result.Structured == nil {
		o.log.WithTask(st.TaskID).Warn("test critique unavailable, proceeding", map[string]any{
			"error": result.Error,
		})
		if err := o.store.CompletePhase(st, phase.TestCritique, "critique unavailable, passed through"); err != nil {
			return false, "", err
		}
		o.planUpdate(updater, planDoc, phase.TestCritique, plan.RowSkipped, st.CurrentIteration, "agent error")
		return true, "", nil
	}

	passed := boolOr(result.Structured["critique_passed"], true)
	score, _ := result.Structured["test_quality_score"].(string)
	if passed {
		if err := o.store.CompletePhase(st, phase.TestCritique, "score "+orDefault(score, "-")); err != nil {
			return false, "", err
		}
		o.hooks.Trigger(ctx, hook.EventPhaseComplete, phasePayload(st, phase.TestCritique))
		o.planUpdate(updater, planDoc, phase.TestCritique, plan.RowPassed, st.CurrentIteration, "score "+orDefault(score, "-"))
		return true, "", nil
	}

	fixInfo, _ := result.Structured["fix_info"].(string)
	fixInfo = orDefault(fixInfo, "test quality check failed")
	if err := o.store.FailPhase(st, phase.TestCritique, fixInfo); err != nil {
		return false, "", err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseFailed, phasePayload(st, phase.TestCritique))
	o.planUpdate(updater, planDoc, phase.TestCritique, plan.RowFailed, st.CurrentIteration, "score "+orDefault(score, "-"))
	return false, fixInfo, nil
}

// runVerification returns (criteriaMet, fixInfo). Verification is a gating
// phase: backend errors and unparsable output are failures, never passes.
func (o *Orchestrator) runVerification(ctx context.Context, st *state.ExecutionState, rcfg RunConfig, implResult runner.Result, updater *plan.Updater, planDoc string) (bool, string, error) {
	if err := o.store.UpdatePhase(st, phase.Verification); err != nil {
		return false, "", err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseStart, phasePayload(st, phase.Verification))
	o.planUpdate(updater, planDoc, phase.Verification, plan.RowInProgress, st.CurrentIteration, "verification running")

	spec, err := o.loadAgent(phase.Verification)
	if err != nil {
		return false, "", err
	}

	contextData := map[string]any{
		"task_id":               st.TaskID,
		"task_path":             rcfg.TaskPath,
		"implementation_output": implResult.Output,
		"verification_scripts":  rcfg.VerificationScripts,
	}

	result := o.invoke(ctx, phase.Verification, spec, buildVerificationPrompt(st, rcfg), contextData)
	o.logUsage(st, phase.Verification, result.Usage)

	if !result.Success {
		fixInfo := orDefault(result.Error, "verification backend failed")
		if err := o.store.FailPhase(st, phase.Verification, fixInfo); err != nil {
			return false, "", err
		}
		o.planUpdate(updater, planDoc, phase.Verification, plan.RowFailed, st.CurrentIteration, fixInfo)
		return false, fixInfo, nil
	}

	met := boolOr(result.Structured["criteria_met"], false)
	fixInfo, _ := result.Structured["fix_info"].(string)

	if met {
		if err := o.store.CompletePhase(st, phase.Verification, "criteria met"); err != nil {
			return false, "", err
		}
		o.hooks.Trigger(ctx, hook.EventPhaseComplete, phasePayload(st, phase.Verification))
		o.planUpdate(updater, planDoc, phase.Verification, plan.RowPassed, st.CurrentIteration, "criteria met")
		return true, "", nil
	}

	fixInfo = orDefault(fixInfo, orDefault(runner.Summarize(result.Output, 200), "verification criteria not met"))
	if err := o.store.FailPhase(st, phase.Verification, fixInfo); err != nil {
		return false, "", err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseFailed, phasePayload(st, phase.Verification))
	o.planUpdate(updater, planDoc, phase.Verification, plan.RowFailed, st.CurrentIteration, fixInfo)
	return false, fixInfo, nil
}

// runCodeQuality returns (passed, fixInfo). Gating: errors never pass.
func (o *Orchestrator) runCodeQuality(ctx context.Context, st *state.ExecutionState, rcfg RunConfig, implResult runner.Result, updater *plan.Updater, planDoc string) (bool, string, error) {
	if err := o.store.UpdatePhase(st, phase.CodeQuality); err != nil {
		return false, "", err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseStart, phasePayload(st, phase.CodeQuality))
	o.planUpdate(updater, planDoc, phase.CodeQuality, plan.RowInProgress, st.CurrentIteration, "quality running")

	spec, err := o.loadAgent(phase.CodeQuality)
	if err != nil {
		return false, "", err
	}

	files := append(append([]string{}, implResult.FilesChanged...), implResult.FilesAdded...)
	contextData := map[string]any{
		"task_id":       st.TaskID,
		"task_path":     rcfg.TaskPath,
		"files_changed": implResult.FilesChanged,
		"files_added":   implResult.FilesAdded,
		"iteration":     st.CurrentIteration,
		"enabled_tools": st.EnabledTools,
	}

	result := o.invoke(ctx, phase.CodeQuality, spec, buildCodeQualityPrompt(st, rcfg, files), contextData)
	o.logUsage(st, phase.CodeQuality, result.Usage)

	if !result.Success || result.Structured == nil {
		fixInfo := orDefault(result.Error, "code quality backend returned no verdict")
		if err := o.store.FailPhase(st, phase.CodeQuality, fixInfo); err != nil {
			return false, "", err
		}
		o.planUpdate(updater, planDoc, phase.CodeQuality, plan.RowFailed, st.CurrentIteration, fixInfo)
		return false, fixInfo, nil
	}

	passed := boolOr(result.Structured["quality_passed"], false)
	if passed {
		if err := o.store.CompletePhase(st, phase.CodeQuality, "quality passed"); err != nil {
			return false, "", err
		}
		o.hooks.Trigger(ctx, hook.EventPhaseComplete, phasePayload(st, phase.CodeQuality))
		o.planUpdate(updater, planDoc, phase.CodeQuality, plan.RowPassed, st.CurrentIteration, "quality passed")
		return true, "", nil
	}

	fixInfo, _ := result.Structured["fix_info"].(string)
	fixInfo = orDefault(fixInfo, "quality check failed")
	if err := o.store.FailPhase(st, phase.CodeQuality, fixInfo); err != nil {
		return false, "", err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseFailed, phasePayload(st, phase.CodeQuality))
	o.planUpdate(updater, planDoc, phase.CodeQuality, plan.RowFailed, st.CurrentIteration, fixInfo)
	return false, fixInfo, nil
}

// runManager updates external task artifacts. Observational: all failures
// are logged and swallowed.
func (o *Orchestrator) runManager(ctx context.Context, st *state.ExecutionState, rcfg RunConfig, updater *plan.Updater, planDoc string) {
	log := o.log.WithTask(st.TaskID)
	if err := o.store.UpdatePhase(st, phase.Manager); err != nil {
		log.Warn("manager phase transition failed", map[string]any{"error": err.Error()})
		return
	}
	o.hooks.Trigger(ctx, hook.EventPhaseStart, phasePayload(st, phase.Manager))
	o.planUpdate(updater, planDoc, phase.Manager, plan.RowInProgress, st.CurrentIteration, "manager updating")

	spec, err := o.loadAgent(phase.Manager)
	if err != nil {
		o.store.SkipPhase(st, phase.Manager, "agent not configured")
		o.planUpdate(updater, planDoc, phase.Manager, plan.RowSkipped, st.CurrentIteration, "agent not configured")
		return
	}

	contextData := map[string]any{
		"task_id":   st.TaskID,
		"task_path": rcfg.TaskPath,
		"iteration": st.CurrentIteration,
	}

	result := o.invoke(ctx, phase.Manager, spec, buildManagerPrompt(st, rcfg), contextData)
	o.logUsage(st, phase.Manager, result.Usage)

	if result.Success {
		o.planUpdate(updater, planDoc, phase.Manager, plan.RowPassed, st.CurrentIteration, "manager complete")
	} else {
		log.Warn("manager update failed", map[string]any{"error": result.Error})
		o.planUpdate(updater, planDoc, phase.Manager, plan.RowFailed, st.CurrentIteration, orDefault(result.Error, "manager failed"))
	}
	o.store.CompletePhase(st, phase.Manager, "")
}

// runCompletionCheck returns whether the task is complete. Completion
// requires an explicit affirmative signal; errors, missing specs, and
// unparsable output all mean "keep looping".
func (o *Orchestrator) runCompletionCheck(ctx context.Context, st *state.ExecutionState, rcfg RunConfig, updater *plan.Updater, planDoc string) (bool, error) {
	if err := o.store.UpdatePhase(st, phase.CompletionCheck); err != nil {
		return false, err
	}
	o.hooks.Trigger(ctx, hook.EventPhaseStart, phasePayload(st, phase.CompletionCheck))
	o.planUpdate(updater, planDoc, phase.CompletionCheck, plan.RowInProgress, st.CurrentIteration, "completion check running")

	spec, err := o.loadAgent(phase.CompletionCheck)
	if err != nil {
		o.log.WithTask(st.TaskID).Error("completion check agent missing", map[string]any{"error": err.Error()})
		if err := o.store.FailPhase(st, phase.CompletionCheck, "agent not configured"); err != nil {
			return false, err
		}
		o.planUpdate(updater, planDoc, phase.CompletionCheck, plan.RowFailed, st.CurrentIteration, "agent not configured")
		return false, nil
	}

	contextData := map[string]any{
		"task_id":              st.TaskID,
		"task_path":            rcfg.TaskPath,
		"iterations_completed": st.CurrentIteration,
	}

	result := o.invoke(ctx, phase.CompletionCheck, spec, buildCompletionPrompt(st, rcfg), contextData)
	o.logUsage(st, phase.CompletionCheck, result.Usage)

	if !result.Success || result.Structured == nil {
		errText := orDefault(result.Error, "no structured verdict from completion check")
		if err := o.store.FailPhase(st, phase.CompletionCheck, errText); err != nil {
			return false, err
		}
		o.planUpdate(updater, planDoc, phase.CompletionCheck, plan.RowFailed, st.CurrentIteration, errText)
		return false, nil
	}

	complete := boolOr(result.Structured["task_complete"], false)
	if complete {
		if err := o.store.CompletePhase(st, phase.CompletionCheck, "task complete"); err != nil {
			return false, err
		}
		o.hooks.Trigger(ctx, hook.EventPhaseComplete, phasePayload(st, phase.CompletionCheck))
		o.planUpdate(updater, planDoc, phase.CompletionCheck, plan.RowPassed, st.CurrentIteration, "task complete")
		return true, nil
	}

	note := remainingNote(result.Structured["remaining_items"])
	if err := o.store.CompletePhase(st, phase.CompletionCheck, "incomplete: "+note); err != nil {
		return false, err
	}
	o.planUpdate(updater, planDoc, phase.CompletionCheck, plan.RowFailed, st.CurrentIteration, note)
	return false, nil
}

// handleInterrupt performs the graceful-stop path: best-effort manager
// update unless forced or already past manager, then mark stopped.
func (o *Orchestrator) handleInterrupt(ctx context.Context, st *state.ExecutionState, rcfg RunConfig) error {
	log := o.log.WithTask(st.TaskID)
	log.Warn("interrupt received, stopping", nil)

	if !o.interrupter.Forced() && o.shouldRunManagerOnInterrupt(st) {
		// Bounded cleanup: a second interrupt cancels ctx mid-call.
		cleanupCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout(phase.Manager))
		updater, planDoc := o.preparePlanProgress(st, rcfg)
		o.runManager(cleanupCtx, st, rcfg, updater, planDoc)
		cancel()
	}

	if err := o.store.MarkStopped(st, "interrupted by user"); err != nil {
		return err
	}
	o.hooks.Trigger(ctx, hook.EventRunStopped, map[string]any{"task_id": st.TaskID})
	o.finalize(ctx, st)
	return nil
}

// shouldRunManagerOnInterrupt avoids redundant cleanup when the loop never
// produced anything or manager already ran this iteration.
func (o *Orchestrator) shouldRunManagerOnInterrupt(st *state.ExecutionState) bool {
	if st.CurrentIteration == 0 {
		return false
	}
	switch st.CurrentPhase {
	case phase.Manager, phase.CompletionCheck, phase.Completed, phase.Failed:
		return false
	}
	if record := st.CurrentIterationRecord(); record != nil {
		for _, step := range record.Steps {
			if step.Phase == phase.Manager && step.Status == phase.StepCompleted {
				return false
			}
		}
	}
	return true
}

func (o *Orchestrator) finalize(ctx context.Context, st *state.ExecutionState) {
	log := o.log.WithTask(st.TaskID)
	switch st.CurrentPhase {
	case phase.Completed:
		log.Info("task completed", map[string]any{"iterations": st.CurrentIteration})
		o.hooks.Trigger(ctx, hook.EventRunCompleted, map[string]any{"task_id": st.TaskID})
	case phase.Failed:
		log.Error("task failed", map[string]any{"error": st.ErrorMessage})
	case phase.Stopped:
		log.Warn("task stopped", map[string]any{"reason": st.ErrorMessage})
	default:
		log.Warn("iteration budget exhausted", map[string]any{
			"phase":      st.CurrentPhase.String(),
			"iterations": st.CurrentIteration,
		})
	}
}

// invoke runs a phase's agent under its configured timeout.
func (o *Orchestrator) invoke(ctx context.Context, p phase.Phase, spec *runner.AgentSpec, prompt string, contextData map[string]any) runner.Result {
	r, err := o.registry.ForPhase(p)
	if err != nil {
		return runner.Failure(err.Error(), 1)
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout(p))
	defer cancel()
	return r.RunAgent(callCtx, spec, prompt, contextData)
}

func (o *Orchestrator) agentPath(p phase.Phase) string {
	stem := agentFiles[p]
	if variant := o.cfg.PhaseVariant(p); variant != "" {
		stem = stem + "." + variant
	}
	return filepath.Join(o.cfg.AgentsDir, stem+".md")
}

func (o *Orchestrator) loadAgent(p phase.Phase) (*runner.AgentSpec, error) {
	return runner.LoadAgentSpec(o.agentPath(p))
}

// preparePlanProgress selects the active plan document; a changed selection
// is persisted so repeated calls stay idempotent.
func (o *Orchestrator) preparePlanProgress(st *state.ExecutionState, rcfg RunConfig) (*plan.Updater, string) {
	updater := plan.NewUpdater(rcfg.TaskPath)
	selection := updater.SelectActivePhase(st)
	if selection == nil {
		return nil, ""
	}
	if selection.UpdatedContext {
		if err := o.store.Save(st); err != nil {
			o.log.WithTask(st.TaskID).Warn("saving plan selection failed", map[string]any{"error": err.Error()})
		}
	}
	return updater, selection.Path
}

// planUpdate is best-effort by contract: failures are logged, never
// propagated, and never alter control decisions.
func (o *Orchestrator) planUpdate(updater *plan.Updater, planDoc string, p phase.Phase, status plan.RowStatus, iteration int, note string) {
	if updater == nil || planDoc == "" {
		return
	}
	if _, err := updater.UpdateProgress(planDoc, p, status, iteration, note, time.Now()); err != nil {
		o.log.Debug("plan progress update failed", map[string]any{
			"phase": p.String(),
			"error": err.Error(),
		})
	}
}

func (o *Orchestrator) logUsage(st *state.ExecutionState, p phase.Phase, usage runner.TokenUsage) {
	if usage == nil {
		return
	}
	o.log.WithTask(st.TaskID).WithPhase(p.String()).Debug("token usage", map[string]any{
		"total_tokens": usage.Total(),
	})
}

func phasePayload(st *state.ExecutionState, p phase.Phase) map[string]any {
	return map[string]any{
		"task_id":   st.TaskID,
		"phase":     p.String(),
		"iteration": st.CurrentIteration,
	}
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func remainingNote(v any) string {
	items := stringSlice(v)
	if len(items) == 0 {
		return "see agent output"
	}
	if len(items) > 3 {
		items = items[:3]
	}
	return strings.Join(items, ", ")
}
