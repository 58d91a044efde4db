package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"phobos.org.uk/relay/internal/phase"
)

// Sentinel errors distinguishing missing state from unreadable state.
var (
	ErrNotFound = errors.New("state not found")
	ErrCorrupt  = errors.New("state file corrupt")
)

// Store persists execution state as one JSON file per task under a directory.
// Saves of an unchanged state are byte-identical, so repeated saves are
// idempotent.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".state.json")
}

// Create initializes fresh state for a task. It fails if state already exists.
func (s *Store) Create(taskID, taskPath string, maxIterations int, enabledTools []string) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(taskID)); err == nil {
		return nil, fmt.Errorf("state for task %s already exists", taskID)
	}

	st := &ExecutionState{
		TaskID:        taskID,
		TaskPath:      taskPath,
		CurrentPhase:  phase.Idle,
		MaxIterations: maxIterations,
		Iterations:    []*IterationRecord{},
		EnabledTools:  enabledTools,
		Context:       map[string]any{},
	}
	if err := s.saveLocked(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Save persists the state atomically via a temp file rename.
func (s *Store) Save(st *ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st *ExecutionState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	path := s.path(st.TaskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

// Load reads the state for a task. Returns ErrNotFound if no state file
// exists and ErrCorrupt if the file cannot be decoded.
func (s *Store) Load(taskID string) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var st ExecutionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("task %s: %w: %v", taskID, ErrCorrupt, err)
	}
	if st.Context == nil {
		st.Context = map[string]any{}
	}
	return &st, nil
}

// List returns the task IDs with persisted state, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing state dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".state.json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".state.json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a task's state file. Returns ErrNotFound if absent.
func (s *Store) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(taskID))
	if os.IsNotExist(err) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return err
}

// UpdatePhase moves the loop into a new active phase and records the step as
// in progress.
func (s *Store) UpdatePhase(st *ExecutionState, p phase.Phase) error {
	if st.StartedAt == nil {
		now := time.Now().UTC().Truncate(time.Second)
		st.StartedAt = &now
	}
	st.CurrentPhase = p
	if _, err := st.RecordStep(p, phase.StepInProgress, "", ""); err != nil {
		return err
	}
	return s.Save(st)
}

// CompletePhase records a phase attempt as completed.
func (s *Store) CompletePhase(st *ExecutionState, p phase.Phase, summary string) error {
	if _, err := st.RecordStep(p, phase.StepCompleted, "", summary); err != nil {
		return err
	}
	return s.Save(st)
}

// FailPhase records a phase attempt as failed without terminating the loop.
func (s *Store) FailPhase(st *ExecutionState, p phase.Phase, errText string) error {
	if _, err := st.RecordStep(p, phase.StepFailed, errText, ""); err != nil {
		return err
	}
	return s.Save(st)
}

// SkipPhase records a phase attempt as skipped.
func (s *Store) SkipPhase(st *ExecutionState, p phase.Phase, reason string) error {
	if _, err := st.RecordStep(p, phase.StepSkipped, "", reason); err != nil {
		return err
	}
	return s.Save(st)
}

// MarkCompleted finalizes the state as successfully completed.
func (s *Store) MarkCompleted(st *ExecutionState) error {
	return s.finalize(st, phase.Completed, "")
}

// MarkFailed finalizes the state as failed with an error message.
func (s *Store) MarkFailed(st *ExecutionState, errText string) error {
	return s.finalize(st, phase.Failed, errText)
}

// MarkStopped finalizes the state as stopped, recording the interrupt reason.
func (s *Store) MarkStopped(st *ExecutionState, reason string) error {
	return s.finalize(st, phase.Stopped, reason)
}

func (s *Store) finalize(st *ExecutionState, p phase.Phase, errText string) error {
	st.CurrentPhase = p
	st.ErrorMessage = errText
	now := time.Now().UTC().Truncate(time.Second)
	st.CompletedAt = &now
	st.CloseIteration()
	return s.Save(st)
}
