// Package runner provides the pluggable backend abstraction for driving
// external coding agents (claude, codex, gemini) as subprocesses, plus the
// normalization layer that reconciles their heterogeneous output into a
// single result contract.
package runner

import "context"

// Exit codes used to classify subprocess failures.
const (
	ExitTimeout  = 124
	ExitNotFound = 127
)

// Result is the normalized contract returned by any backend.
type Result struct {
	Success      bool
	Output       string
	Structured   map[string]any
	Error        string
	Usage        TokenUsage
	ExitCode     int
	FilesChanged []string
	FilesAdded   []string
}

// Failure creates a failed result with the given error and exit code.
func Failure(errText string, exitCode int) Result {
	return Result{Success: false, Error: errText, ExitCode: exitCode}
}

// Success creates a successful result from raw output, extracting any
// embedded structured payload.
func Success(output string, usage TokenUsage) Result {
	return Result{
		Success:    true,
		Output:     output,
		Structured: ExtractJSON(output),
		Usage:      usage,
	}
}

// Runner is the interface a backend must satisfy. Timeouts are applied by
// the caller through the context; a deadline expiry maps to ExitTimeout and
// a missing CLI binary maps to ExitNotFound.
type Runner interface {
	// Name identifies the backend for logs and status output.
	Name() string

	// RunAgent executes a prompt under an agent specification. The spec's
	// body becomes system instructions and its referenced skills are
	// embedded into the prompt. contextData is rendered as a JSON context
	// block.
	RunAgent(ctx context.Context, spec *AgentSpec, prompt string, contextData map[string]any) Result

	// RunPrompt executes a bare prompt with optional system instructions.
	RunPrompt(ctx context.Context, prompt, systemPrompt string) Result

	// IsAvailable reports whether the backend CLI is installed and usable.
	IsAvailable() bool
}
