// Package state defines the persisted execution state for a task's loop run
// and the store that serializes it.
package state

import (
	"fmt"
	"time"

	"phobos.org.uk/relay/internal/phase"
)

// Context keys carried between phases and across iterations.
const (
	ContextFixInfo   = "fix_info"           // Corrective feedback from a failing gate
	ContextPlanPhase = "current_plan_phase" // Cached active plan document selection
)

// StepRecord is a record of a single phase attempt.
type StepRecord struct {
	Phase         phase.Phase      `json:"phase"`
	Status        phase.StepStatus `json:"status"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Attempt       int              `json:"attempt"`
	Error         string           `json:"error,omitempty"`
	OutputSummary string           `json:"output_summary,omitempty"`
}

// IterationRecord is a record of a single loop iteration.
type IterationRecord struct {
	Iteration          int           `json:"iteration"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	Steps              []StepRecord  `json:"steps"`
	TestsAccepted      bool          `json:"tests_accepted"`
	VerificationPassed bool          `json:"verification_passed"`
	QualityPassed      bool          `json:"quality_passed"`
	FixInfo            string        `json:"fix_info,omitempty"`
	FilesChanged       []string      `json:"files_changed,omitempty"`
	FilesAdded         []string      `json:"files_added,omitempty"`
}

// ExecutionState is the full persisted state for one task's loop run.
type ExecutionState struct {
	TaskID              string             `json:"task_id"`
	TaskPath            string             `json:"task_path"`
	CurrentPhase        phase.Phase        `json:"current_phase"`
	CurrentIteration    int                `json:"current_iteration"`
	MaxIterations       int                `json:"max_iterations"`
	StartedAt           *time.Time         `json:"started_at,omitempty"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	ErrorMessage        string             `json:"error_message,omitempty"`
	Iterations          []*IterationRecord `json:"iterations"`
	EnabledTools        []string           `json:"enabled_tools,omitempty"`
	SkipVerify          bool               `json:"skip_verify,omitempty"`
	VerificationScripts []string           `json:"verification_scripts,omitempty"`
	Context             map[string]any     `json:"context"`
	LastAgentOutput     string             `json:"last_agent_output,omitempty"`
}

// IsRunning returns true if the loop is neither idle nor in a terminal phase.
func (s *ExecutionState) IsRunning() bool {
	return s.CurrentPhase != phase.Idle && !s.CurrentPhase.IsTerminal()
}

// Exhausted returns true if the loop used its full iteration budget without
// reaching a terminal phase. This is a boundary outcome, not an error.
func (s *ExecutionState) Exhausted() bool {
	return !s.CurrentPhase.IsTerminal() && s.CurrentIteration >= s.MaxIterations
}

// CurrentIterationRecord returns the most recent iteration record, or nil.
func (s *ExecutionState) CurrentIterationRecord() *IterationRecord {
	if len(s.Iterations) == 0 {
		return nil
	}
	return s.Iterations[len(s.Iterations)-1]
}

// StartIteration increments the iteration counter and opens a new record.
func (s *ExecutionState) StartIteration() *IterationRecord {
	s.CurrentIteration++
	record := &IterationRecord{
		Iteration: s.CurrentIteration,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Steps:     []StepRecord{},
	}
	s.Iterations = append(s.Iterations, record)
	return record
}

// CloseIteration stamps the completion time on the open iteration record.
func (s *ExecutionState) CloseIteration() {
	record := s.CurrentIterationRecord()
	if record == nil || record.CompletedAt != nil {
		return
	}
	now := time.Now().UTC().Truncate(time.Second)
	record.CompletedAt = &now
}

// RecordStep appends a step to the current iteration, opening an iteration
// if none exists. A closed (completed, failed, or skipped) record starts the
// phase's next attempt from pending; within an attempt the status must move
// forward per phase.CanAdvance.
func (s *ExecutionState) RecordStep(p phase.Phase, status phase.StepStatus, errText, summary string) (*StepRecord, error) {
	if len(s.Iterations) == 0 {
		s.StartIteration()
	}
	record := s.CurrentIterationRecord()

	prev := phase.StepPending
	attempt := 1
	for _, step := range record.Steps {
		if step.Phase != p {
			continue
		}
		if step.Status == phase.StepInProgress {
			prev = step.Status
		} else {
			prev = phase.StepPending
			attempt++
		}
	}
	if !phase.CanAdvance(prev, status) {
		return nil, fmt.Errorf("phase %s: step cannot move from %s to %s", p, prev, status)
	}

	now := time.Now().UTC().Truncate(time.Second)
	step := StepRecord{
		Phase:   p,
		Status:  status,
		Attempt: attempt,
		Error:   errText,
	}
	switch status {
	case phase.StepInProgress:
		step.StartedAt = &now
	case phase.StepCompleted, phase.StepFailed, phase.StepSkipped:
		step.CompletedAt = &now
		step.OutputSummary = summary
	}
	record.Steps = append(record.Steps, step)
	return &record.Steps[len(record.Steps)-1], nil
}
