package loop

import (
	"context"
	"sync"
	"sync/atomic"
)

// Interrupter implements two-stage cooperative cancellation. The first
// signal records a request that the orchestrator observes at phase and
// iteration boundaries; the second forces termination by cancelling the run
// context, killing any in-flight backend subprocess.
type Interrupter struct {
	requested atomic.Bool
	forced    atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewInterrupter creates an interrupter with no signals observed.
func NewInterrupter() *Interrupter {
	return &Interrupter{}
}

// Bind derives a cancellable context used for the run; the second interrupt
// stage cancels it.
func (i *Interrupter) Bind(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
	return ctx
}

// Signal delivers one interrupt. The first call requests a graceful stop
// and returns true; any later call forces termination and returns false.
func (i *Interrupter) Signal() bool {
	if i.requested.CompareAndSwap(false, true) {
		return true
	}
	i.forced.Store(true)
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return false
}

// Requested reports whether a graceful stop has been asked for.
func (i *Interrupter) Requested() bool {
	return i.requested.Load()
}

// Forced reports whether termination was forced by a second interrupt.
func (i *Interrupter) Forced() bool {
	return i.forced.Load()
}
