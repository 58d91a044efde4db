// Package hook provides lifecycle notification points for the loop. Hooks
// observe the run; they can never fail it.
package hook

import (
	"context"
	"sync"

	"phobos.org.uk/relay/internal/logging"
)

// Event identifies a loop lifecycle moment.
type Event string

const (
	EventRunStarted     Event = "run_started"
	EventIterationStart Event = "iteration_start"
	EventPhaseStart     Event = "phase_start"
	EventPhaseComplete  Event = "phase_complete"
	EventPhaseFailed    Event = "phase_failed"
	EventRunCompleted   Event = "run_completed"
	EventRunFailed      Event = "run_failed"
	EventRunStopped     Event = "run_stopped"
)

// Hook receives lifecycle events. Errors are logged and swallowed.
type Hook interface {
	Name() string
	Fire(ctx context.Context, event Event, payload map[string]any) error
}

// Registry fans events out to registered hooks.
type Registry struct {
	mu    sync.RWMutex
	hooks []Hook
	log   *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.New(logging.Config{Component: "hooks"})
	}
	return &Registry{log: log}
}

// Register adds a hook.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Trigger fires an event on every hook. A failing hook is logged and never
// interrupts the loop.
func (r *Registry) Trigger(ctx context.Context, event Event, payload map[string]any) {
	r.mu.RLock()
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := h.Fire(ctx, event, payload); err != nil {
			r.log.Warn("hook failed", map[string]any{
				"hook":  h.Name(),
				"event": string(event),
				"error": err.Error(),
			})
		}
	}
}

// LoggingHook emits every event to the structured log at debug level.
type LoggingHook struct {
	Log *logging.Logger
}

func (h *LoggingHook) Name() string { return "logging" }

func (h *LoggingHook) Fire(_ context.Context, event Event, payload map[string]any) error {
	h.Log.Debug("loop event", mergeFields(payload, map[string]any{"event": string(event)}))
	return nil
}

func mergeFields(payload, extra map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+len(extra))
	for k, v := range payload {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
