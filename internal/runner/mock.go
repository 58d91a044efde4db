package runner

import (
	"context"
	"sync"
)

// MockCall records one invocation of a MockRunner.
type MockCall struct {
	AgentName string
	Prompt    string
	Context   map[string]any
}

// MockRunner returns scripted results in order and records every call. It
// backs the "mock" backend identifier for tests and dry runs.
type MockRunner struct {
	mu        sync.Mutex
	results   []Result
	next      int
	calls     []MockCall
	available bool
}

// NewMockRunner creates an available mock with no scripted results; such a
// mock returns empty successes.
func NewMockRunner() *MockRunner {
	return &MockRunner{available: true}
}

// Enqueue appends scripted results, consumed in FIFO order.
func (r *MockRunner) Enqueue(results ...Result) *MockRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
	return r
}

// SetAvailable controls what IsAvailable reports.
func (r *MockRunner) SetAvailable(available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = available
}

// Calls returns a copy of the recorded invocations.
func (r *MockRunner) Calls() []MockCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MockCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *MockRunner) Name() string { return "mock" }

func (r *MockRunner) IsAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *MockRunner) RunAgent(ctx context.Context, spec *AgentSpec, prompt string, contextData map[string]any) Result {
	name := ""
	if spec != nil {
		name = spec.Name
	}
	return r.take(ctx, MockCall{AgentName: name, Prompt: prompt, Context: contextData})
}

func (r *MockRunner) RunPrompt(ctx context.Context, prompt, systemPrompt string) Result {
	return r.take(ctx, MockCall{Prompt: prompt})
}

func (r *MockRunner) take(ctx context.Context, call MockCall) Result {
	if err := ctx.Err(); err != nil {
		return Failure(err.Error(), ExitTimeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)

	if r.next >= len(r.results) {
		return Success("", nil)
	}
	result := r.results[r.next]
	r.next++
	return result
}
