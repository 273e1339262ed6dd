package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultName         = "drift"
	defaultEventBuffer  = 64
	defaultDrainTimeout = time.Second
)

// Options configures a loop. The zero value is usable.
type Options struct {
	// Name identifies the loop in logs and events (default "drift").
	Name string
	// RunImmediately skips the wait before the first run.
	RunImmediately bool
	// Logger receives the built-in progress log (default slog.Default()).
	Logger *slog.Logger
	// Observers receive every event after the built-in logger.
	Observers []Observer
	// Clock is the time source (default SystemClock()).
	Clock Clock
	// Location is used to evaluate cron schedules (default time.Local).
	Location *time.Location
	// EventBuffer is the number of events queued for observers before
	// new events are dropped (default 64).
	EventBuffer int
	// DrainTimeout bounds how long a stopping loop waits for observers
	// (default 1s).
	DrainTimeout time.Duration
}

// NextWait returns the drift-corrected delay before the next run:
// interval minus the time the last run took, floored at zero.
// An overrun never produces more than one immediate run.
func NextWait(interval, elapsed time.Duration) time.Duration {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// Start runs job every interval until the returned handle is cancelled,
// ctx is done, or the job fails. When runImmediately is false the first run
// happens one interval after Start.
func Start(ctx context.Context, interval time.Duration, job Job, runImmediately bool) (*Handle, error) {
	return StartWithOptions(ctx, interval, job, Options{RunImmediately: runImmediately})
}

// StartFunc is Start for a plain function.
func StartFunc(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error, runImmediately bool) (*Handle, error) {
	if fn == nil {
		return nil, ErrNilJob
	}
	return Start(ctx, interval, JobFunc(fn), runImmediately)
}

// StartWithOptions is Start with full configuration. Configuration errors
// are reported synchronously and no goroutine is started.
func StartWithOptions(ctx context.Context, interval time.Duration, job Job, opts Options) (*Handle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidInterval, interval)
	}
	return start(ctx, intervalCadence{interval: interval}, job, opts)
}

func start(ctx context.Context, c cadence, job Job, opts Options) (*Handle, error) {
	if job == nil {
		return nil, ErrNilJob
	}
	if fn, ok := job.(JobFunc); ok && fn == nil {
		return nil, ErrNilJob
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Name == "" {
		opts.Name = defaultName
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "drift")
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}

	observers := make([]Observer, 0, len(opts.Observers)+1)
	observers = append(observers, logObserver{logger: logger})
	for _, o := range opts.Observers {
		if o != nil {
			observers = append(observers, o)
		}
	}

	h := newHandle(ctx, opts.Name)
	h.events = newDispatcher(opts.EventBuffer, logger, observers)

	l := &loop{
		h:              h,
		job:            job,
		cadence:        c,
		clock:          clock,
		runImmediately: opts.RunImmediately,
		drainTimeout:   opts.DrainTimeout,
		startedAt:      clock.Now(),
	}
	go l.run()

	return h, nil
}

// loop owns the wait → execute → measure → advance cycle of one job.
type loop struct {
	h              *Handle
	job            Job
	cadence        cadence
	clock          Clock
	runImmediately bool
	drainTimeout   time.Duration
	// startedAt is the Start call time; the first activation counts from it.
	startedAt time.Time
}

func (l *loop) run() {
	var (
		cycle  uint64
		reason StopReason
		err    error
	)
	defer func() { l.stop(cycle, reason, err) }()

	at := l.startedAt
	if !l.runImmediately {
		first, ok := l.cadence.first(at)
		if !ok {
			reason = StopScheduleExhausted
			return
		}
		at = first
	}

	for {
		if !l.sleepUntil(at) {
			reason = StopCanceled
			return
		}

		cycle++
		l.h.cycles.Store(cycle)
		l.h.setState(StateRunning)

		started := l.clock.Now()
		l.emit(Event{Kind: EventRunStarted, Cycle: cycle, ScheduledAt: at, StartedAt: started})

		runErr := l.execute()
		finished := l.clock.Now()
		elapsed := finished.Sub(started)

		if runErr != nil {
			if l.stoppedBy(runErr) {
				reason = StopCanceled
				return
			}
			err = &JobError{Loop: l.h.name, Cycle: cycle, Err: runErr}
			l.emit(Event{
				Kind:        EventRunFailed,
				Cycle:       cycle,
				ScheduledAt: at,
				StartedAt:   started,
				FinishedAt:  finished,
				Elapsed:     elapsed,
				Err:         err,
			})
			reason = StopJobFailed
			return
		}

		next, skipped, ok := l.cadence.next(at, started, finished)
		success := Event{
			Kind:        EventRunSucceeded,
			Cycle:       cycle,
			ScheduledAt: at,
			StartedAt:   started,
			FinishedAt:  finished,
			Elapsed:     elapsed,
		}
		if ok {
			success.NextRunAt = next
			success.NextWait = max(next.Sub(finished), 0)
		}
		l.emit(success)
		if skipped > 0 {
			l.emit(Event{Kind: EventSkipped, Cycle: cycle, FinishedAt: finished, NextRunAt: next, Skipped: skipped})
		}

		if !ok {
			reason = StopScheduleExhausted
			return
		}
		if l.h.ctx.Err() != nil {
			reason = StopCanceled
			return
		}
		at = next
	}
}

// stoppedBy reports whether runErr is the loop's own cancellation, either
// Cancel or the parent context being cancelled or reaching its deadline.
func (l *loop) stoppedBy(runErr error) bool {
	ctxErr := l.h.ctx.Err()
	if ctxErr == nil {
		return false
	}
	return errors.Is(runErr, ctxErr) ||
		errors.Is(runErr, context.Canceled) ||
		errors.Is(runErr, context.DeadlineExceeded)
}

// sleepUntil waits for at and reports whether the loop should run.
func (l *loop) sleepUntil(at time.Time) bool {
	l.h.setState(StateWaiting)

	wait := at.Sub(l.clock.Now())
	if wait <= 0 {
		return l.h.ctx.Err() == nil
	}

	t := l.clock.NewTimer(wait)
	defer t.Stop()

	select {
	case <-l.h.ctx.Done():
		return false
	case <-t.C():
		return l.h.ctx.Err() == nil
	}
}

func (l *loop) execute() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return l.job.Execute(l.h.ctx)
}

func (l *loop) emit(e Event) {
	e.Loop = l.h.name
	l.h.events.emit(e)
}

func (l *loop) stop(cycle uint64, reason StopReason, err error) {
	l.h.err = err
	l.h.setState(StateStopped)
	l.h.cancel()

	l.h.events.close(Event{
		Kind:       EventStopped,
		Loop:       l.h.name,
		Cycle:      cycle,
		FinishedAt: l.clock.Now(),
		Reason:     reason,
		Err:        err,
	}, l.drainTimeout)

	close(l.h.done)
}
