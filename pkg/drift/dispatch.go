package drift

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// dispatcher delivers events to observers off the loop goroutine.
// emit never blocks: when the buffer is full the event is dropped.
type dispatcher struct {
	events    chan Event
	observers []Observer
	logger    *slog.Logger
	dropped   atomic.Uint64
	done      chan struct{}
}

func newDispatcher(size int, logger *slog.Logger, observers []Observer) *dispatcher {
	d := &dispatcher{
		events:    make(chan Event, size),
		observers: observers,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) emit(e Event) {
	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
	}
}

// close hands over the final event and waits for observers to drain,
// giving up after timeout.
func (d *dispatcher) close(final Event, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case d.events <- final:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
	close(d.events)

	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("drift observers did not drain in time", "loop", final.Loop, "timeout", timeout)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for e := range d.events {
		for _, o := range d.observers {
			d.observe(o, e)
		}
	}
}

func (d *dispatcher) observe(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("drift observer panicked", "loop", e.Loop, "event", e.Kind.String(), "panic", r)
		}
	}()
	o.Observe(e)
}
