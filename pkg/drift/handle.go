package drift

import (
	"context"
	"sync/atomic"
)

// State is the lifecycle state of a loop.
type State int32

const (
	// StateIdle means the loop goroutine has not entered its first cycle yet.
	StateIdle State = iota
	// StateWaiting means the loop sleeps until the next scheduled start.
	StateWaiting
	// StateRunning means the job is executing.
	StateRunning
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handle controls one running loop. All methods are safe for concurrent use.
type Handle struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	cycles atomic.Uint64
	done   chan struct{}
	err    error // written before done is closed
	events *dispatcher
}

func newHandle(parent context.Context, name string) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel requests a graceful stop. It returns immediately and does not wait
// for an in-flight run. Calling Cancel more than once is a no-op.
func (h *Handle) Cancel() {
	h.cancel()
}

// IsCancelled reports whether cancellation was requested, either through
// Cancel, the parent context, or the loop reaching Stopped on its own.
func (h *Handle) IsCancelled() bool {
	return h.ctx.Err() != nil
}

// Done is closed once the loop is stopped and its observers have drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the loop stops or ctx expires. It returns the job error
// that stopped the loop, nil after a clean cancellation, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the *JobError that stopped the loop. It is nil while the loop
// runs and after a clean cancellation.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Name returns the loop name used in logs and events.
func (h *Handle) Name() string {
	return h.name
}

// Cycles returns the number of job executions started so far.
func (h *Handle) Cycles() uint64 {
	return h.cycles.Load()
}

// DroppedEvents returns how many events were discarded because observers
// could not keep up.
func (h *Handle) DroppedEvents() uint64 {
	if h.events == nil {
		return 0
	}
	return h.events.dropped.Load()
}

func (h *Handle) setState(s State) {
	h.state.Store(int32(s))
}
