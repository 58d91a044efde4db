// Package phase provides a unified state machine for the agentic loop lifecycle.
// It defines all pipeline phases, terminal outcomes, and step statuses shared
// across the orchestrator, state store, and status surfaces.
package phase

// Phase represents the loop's current position in the pipeline.
type Phase string

// Pipeline phases in their fixed execution order, plus terminal outcomes.
const (
	// Idle indicates a task has state but the loop has not started an iteration.
	Idle Phase = "idle"

	// Implementation produces the code change for this iteration.
	Implementation Phase = "implementation"

	// TestCritique analyzes test quality before verification. Advisory:
	// a missing or erroring critique backend never blocks the loop.
	TestCritique Phase = "test_critique"

	// Verification checks the acceptance criteria against the implementation.
	Verification Phase = "verification"

	// CodeQuality runs lint/type/complexity analysis on the changed files.
	CodeQuality Phase = "code_quality"

	// Manager updates external task artifacts. Observational: its outcome
	// never gates the loop.
	Manager Phase = "manager"

	// CompletionCheck decides whether the task is done. Completion requires
	// an explicit affirmative signal from the backend.
	CompletionCheck Phase = "completion_check"

	// Completed indicates the task finished with the completion check passing.
	Completed Phase = "completed"

	// Failed indicates the task finished with an unrecoverable error.
	Failed Phase = "failed"

	// Stopped indicates the task was interrupted by the user.
	Stopped Phase = "stopped"
)

// StepStatus is the status of a single phase attempt within an iteration.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true if the phase is a final outcome (no further transitions).
func (p Phase) IsTerminal() bool {
	switch p {
	case Completed, Failed, Stopped:
		return true
	}
	return false
}

// IsGating returns true if a failing or absent backend for this phase must
// block progress rather than pass through.
func (p Phase) IsGating() bool {
	switch p {
	case Verification, CodeQuality, CompletionCheck:
		return true
	}
	return false
}

// IsAdvisory returns true if the phase's backend is optional tooling whose
// absence or error is treated as a pass-through.
func (p Phase) IsAdvisory() bool {
	return p == TestCritique
}

// Pipeline returns the pipeline phases in execution order.
func Pipeline() []Phase {
	return []Phase{
		Implementation,
		TestCritique,
		Verification,
		CodeQuality,
		Manager,
		CompletionCheck,
	}
}

// AllPhases returns every defined phase including terminals.
func AllPhases() []Phase {
	return append(Pipeline(), Idle, Completed, Failed, Stopped)
}

// Parse converts a string to a Phase, reporting whether it was valid.
func Parse(s string) (Phase, bool) {
	candidate := Phase(s)
	for _, valid := range AllPhases() {
		if candidate == valid {
			return candidate, true
		}
	}
	return "", false
}

// forward defines the allowed step status transitions. A step never moves
// backwards and is never resurrected within the same iteration.
var forward = map[StepStatus][]StepStatus{
	StepPending:    {StepInProgress, StepSkipped},
	StepInProgress: {StepCompleted, StepFailed, StepSkipped},
	StepCompleted:  {},
	StepFailed:     {},
	StepSkipped:    {},
}

// CanAdvance returns true if a step may move from one status to another.
func CanAdvance(from, to StepStatus) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}
