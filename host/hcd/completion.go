package hcd

import (
	"context"
)

// DispatchCompletions invokes the callbacks of every transfer that reached
// a terminal state, in completion order, and returns how many it ran.
// Callbacks run without the engine lock held.
func (e *Engine) DispatchCompletions() int {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, t := range batch {
		if t.callback != nil {
			t.callback(t, t.actual, t.status)
		}
		close(t.done)
	}
	return len(batch)
}

// Run dispatches completions as they arrive until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		e.DispatchCompletions()
		select {
		case <-ctx.Done():
			e.DispatchCompletions()
			return ctx.Err()
		case <-e.wake:
		}
	}
}
