package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"driftloop/pkg/drift"
)

// DefaultRecordTimeout bounds one Record call made by a Recorder.
const DefaultRecordTimeout = 2 * time.Second

// Recorder is a drift.Observer that writes every finished run to a Store.
// Write errors are logged and counted; they never reach the loop.
type Recorder struct {
	store      Store
	instanceID string
	logger     *slog.Logger
	timeout    time.Duration
	failures   atomic.Uint64
}

var _ drift.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder tagging runs with instanceID.
func NewRecorder(store Store, instanceID string, logger *slog.Logger, timeout time.Duration) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRecordTimeout
	}
	return &Recorder{
		store:      store,
		instanceID: instanceID,
		logger:     logger.With("component", "history"),
		timeout:    timeout,
	}
}

// Observe implements drift.Observer.
func (r *Recorder) Observe(e drift.Event) {
	run, ok := RunFromEvent(r.instanceID, e)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Record(ctx, run); err != nil {
		r.failures.Add(1)
		r.logger.Warn("failed to record run",
			slog.String("loop", run.Loop),
			slog.Uint64("cycle", run.Cycle),
			slog.Any("error", err),
		)
	}
}

// Failures returns how many runs could not be recorded.
func (r *Recorder) Failures() uint64 {
	return r.failures.Load()
}

// RunFromEvent converts a finished-run event into a Run. Other event kinds
// report false.
func RunFromEvent(instanceID string, e drift.Event) (Run, bool) {
	var status Status
	switch e.Kind {
	case drift.EventRunSucceeded:
		status = StatusSucceeded
	case drift.EventRunFailed:
		status = StatusFailed
	default:
		return Run{}, false
	}

	run := Run{
		InstanceID:  instanceID,
		Loop:        e.Loop,
		Cycle:       e.Cycle,
		Status:      status,
		ScheduledAt: e.ScheduledAt,
		StartedAt:   e.StartedAt,
		FinishedAt:  e.FinishedAt,
		Elapsed:     e.Elapsed,
		NextWait:    e.NextWait,
	}
	if e.Err != nil {
		run.Error = e.Err.Error()
	}
	return run, true
}
