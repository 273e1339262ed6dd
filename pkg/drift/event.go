package drift

import (
	"context"
	"log/slog"
	"time"
)

// EventKind identifies a loop progress signal.
type EventKind int

const (
	// EventRunStarted is emitted right before the job is executed.
	EventRunStarted EventKind = iota
	// EventRunSucceeded is emitted after a successful run, with the computed next wait.
	EventRunSucceeded
	// EventRunFailed is emitted once when the job returns an error.
	EventRunFailed
	// EventSkipped is emitted when cron activations passed while the job was running.
	EventSkipped
	// EventStopped is the last event of every loop.
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventRunStarted:
		return "run_started"
	case EventRunSucceeded:
		return "run_succeeded"
	case EventRunFailed:
		return "run_failed"
	case EventSkipped:
		return "skipped"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason tells why a loop reached Stopped.
type StopReason int

const (
	// StopNone is the zero value, used on events other than EventStopped.
	StopNone StopReason = iota
	// StopCanceled means the handle or the parent context was cancelled.
	StopCanceled
	// StopJobFailed means the job returned an error or panicked.
	StopJobFailed
	// StopScheduleExhausted means a cron schedule has no future activation.
	StopScheduleExhausted
)

func (r StopReason) String() string {
	switch r {
	case StopCanceled:
		return "canceled"
	case StopJobFailed:
		return "job_failed"
	case StopScheduleExhausted:
		return "schedule_exhausted"
	default:
		return "none"
	}
}

// Event is one structured progress signal of a loop. Fields that do not
// apply to the event kind are left zero.
type Event struct {
	Kind  EventKind
	Loop  string
	Cycle uint64

	// ScheduledAt is the activation the run belongs to.
	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Elapsed     time.Duration

	// NextWait and NextRunAt describe the upcoming cycle (EventRunSucceeded).
	NextWait  time.Duration
	NextRunAt time.Time

	// Skipped counts passed cron activations (EventSkipped).
	Skipped int

	Reason StopReason
	Err    error
}

// Observer receives loop events. Observers are called from a single
// dispatch goroutine per loop, never from the loop itself, so a slow
// observer cannot perturb scheduling.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// Hooks contains optional per-kind callbacks.
type Hooks struct {
	OnRunStart  func(Event)
	OnRunFinish func(Event)
	OnSkip      func(Event)
	OnStop      func(Event)
}

// Observe routes e to the matching hook.
func (h Hooks) Observe(e Event) {
	switch e.Kind {
	case EventRunStarted:
		if h.OnRunStart != nil {
			h.OnRunStart(e)
		}
	case EventRunSucceeded, EventRunFailed:
		if h.OnRunFinish != nil {
			h.OnRunFinish(e)
		}
	case EventSkipped:
		if h.OnSkip != nil {
			h.OnSkip(e)
		}
	case EventStopped:
		if h.OnStop != nil {
			h.OnStop(e)
		}
	}
}

// logObserver writes events to slog.
type logObserver struct {
	logger *slog.Logger
}

func (l logObserver) Observe(e Event) {
	ctx := context.Background()
	switch e.Kind {
	case EventRunStarted:
		l.logger.LogAttrs(ctx, slog.LevelDebug, "running job",
			slog.String("loop", e.Loop),
			slog.Uint64("cycle", e.Cycle),
			slog.Time("started_at", e.StartedAt),
		)
	case EventRunSucceeded:
		l.logger.LogAttrs(ctx, slog.LevelDebug, "job took",
			slog.String("loop", e.Loop),
			slog.Uint64("cycle", e.Cycle),
			slog.Time("started_at", e.StartedAt),
			slog.Duration("elapsed", e.Elapsed),
			slog.Duration("next_wait", e.NextWait),
			slog.Time("next_run_at", e.NextRunAt),
		)
	case EventRunFailed:
		l.logger.LogAttrs(ctx, slog.LevelError, "drift job failed",
			slog.String("loop", e.Loop),
			slog.Uint64("cycle", e.Cycle),
			slog.Time("started_at", e.StartedAt),
			slog.Duration("elapsed", e.Elapsed),
			slog.Any("error", e.Err),
		)
	case EventSkipped:
		l.logger.LogAttrs(ctx, slog.LevelInfo, "job schedule skipped",
			slog.String("loop", e.Loop),
			slog.Int("skipped", e.Skipped),
			slog.Time("finished_at", e.FinishedAt),
			slog.Time("next_run_at", e.NextRunAt),
		)
	case EventStopped:
		switch e.Reason {
		case StopCanceled:
			l.logger.LogAttrs(ctx, slog.LevelDebug, "stopping drift job",
				slog.String("loop", e.Loop),
				slog.Uint64("cycles", e.Cycle),
			)
		default:
			// Job failures have already been logged by EventRunFailed.
			l.logger.LogAttrs(ctx, slog.LevelInfo, "drift loop stopped",
				slog.String("loop", e.Loop),
				slog.Uint64("cycles", e.Cycle),
				slog.String("reason", e.Reason.String()),
			)
		}
	}
}
