package drift

import "context"

// Job is a unit of work executed once per cycle.
//
// Execute receives the loop's cancellation context. The loop never interrupts
// a running job; a job that wants to stop early on cancellation must watch
// ctx itself. Execute is called repeatedly from the same goroutine, never
// concurrently for one loop.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc func(ctx context.Context) error

// Execute calls f(ctx).
func (f JobFunc) Execute(ctx context.Context) error {
	return f(ctx)
}
