package realtime

import (
	"context"
	"sync"
)

// Result is a deferred outcome. Every asynchronous operation in the runtime
// (connect, attach, detach, publish, presence enter/leave) hands one back,
// and the state machines guarantee it settles exactly once: an operation
// abandoned by a state transition is rejected, never left hanging.
type Result struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// settle resolves (err == nil) or rejects the result. Later calls are
// no-ops, so racing settlement paths are safe.
func (r *Result) settle(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the result settles or the context ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the result has settled.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err returns the outcome. Only meaningful after Done is closed.
func (r *Result) Err() error { return r.err }
