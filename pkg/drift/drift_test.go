package drift_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftloop/pkg/drift"
	"driftloop/pkg/drift/drifttest"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recorder collects events delivered to an observer.
type recorder struct {
	mu     sync.Mutex
	events []drift.Event
}

func (r *recorder) Observe(e drift.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofKind(kind drift.EventKind) []drift.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []drift.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for a log handler and a test reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&syncBuffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitForTimers blocks until the loop has requested n timers and one is pending.
func waitForTimers(t *testing.T, clock *drifttest.Clock, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(clock.Requested()) >= n && clock.Pending() > 0
	}, time.Second, time.Millisecond, "loop did not start waiting")
}

func waitStopped(t *testing.T, h *drift.Handle) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "loop did not stop")
	return err
}

func TestNextWait(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		elapsed  time.Duration
		expected time.Duration
	}{
		{"instant run", 5 * time.Second, 0, 5 * time.Second},
		{"short run", 5 * time.Second, 3 * time.Second, 2 * time.Second},
		{"exact interval", 5 * time.Second, 5 * time.Second, 0},
		{"overrun", 5 * time.Second, 7 * time.Second, 0},
		{"large overrun is not compounded", 5 * time.Second, time.Hour, 0},
		{"sub-millisecond", time.Millisecond, 250 * time.Microsecond, 750 * time.Microsecond},
		{"negative elapsed", time.Second, -time.Second, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, drift.NextWait(tt.interval, tt.elapsed))
		})
	}
}

func TestStart_InvalidInterval(t *testing.T) {
	job := drift.JobFunc(func(ctx context.Context) error { return nil })

	for _, interval := range []time.Duration{0, -time.Second} {
		h, err := drift.Start(context.Background(), interval, job, true)
		assert.ErrorIs(t, err, drift.ErrInvalidInterval)
		assert.Nil(t, h)
	}
}

func TestStart_NilJob(t *testing.T) {
	_, err := drift.Start(context.Background(), time.Second, nil, true)
	assert.ErrorIs(t, err, drift.ErrNilJob)

	_, err = drift.Start(context.Background(), time.Second, drift.JobFunc(nil), true)
	assert.ErrorIs(t, err, drift.ErrNilJob)

	_, err = drift.StartFunc(context.Background(), time.Second, nil, true)
	assert.ErrorIs(t, err, drift.ErrNilJob)
}

func TestLoop_DriftCorrection(t *testing.T) {
	clock := drifttest.NewClock(epoch)
	events := &recorder{}

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	job := drift.JobFunc(func(ctx context.Context) error {
		mu.Lock()
		starts = append(starts, clock.Now())
		mu.Unlock()
		clock.Advance(3 * time.Second)
		return nil
	})

	h, err := drift.StartWithOptions(context.Background(), 5*time.Second, job, drift.Options{
		Name:      "drift-correction",
		Clock:     clock,
		Logger:    quietLogger(),
		Observers: []drift.Observer{events},
	})
	require.NoError(t, err)
	defer h.Cancel()

	waitForTimers(t, clock, 1)
	assert.Equal(t, 5*time.Second, clock.Requested()[0], "first wait must be the full interval")
	clock.Advance(5 * time.Second)

	waitForTimers(t, clock, 2)
	assert.Equal(t, 2*time.Second, clock.Requested()[1], "second wait must subtract the run time")
	clock.Advance(2 * time.Second)

	waitForTimers(t, clock, 3)
	h.Cancel()
	require.NoError(t, waitStopped(t, h))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	assert.Equal(t, epoch.Add(5*time.Second), starts[0])
	assert.Equal(t, epoch.Add(10*time.Second), starts[1], "second start must stay on the 5s cadence")

	succeeded := events.ofKind(drift.EventRunSucceeded)
	require.Len(t, succeeded, 2)
	assert.Equal(t, 3*time.Second, succeeded[0].Elapsed)
	assert.Equal(t, 2*time.Second, succeeded[0].NextWait)
	assert.Equal(t, epoch.Add(10*time.Second), succeeded[0].NextRunAt)
}

func TestLoop_OverrunRunsNextImmediately(t *testing.T) {
	clock := drifttest.NewClock(epoch)

	var (
		mu     sync.Mutex
		starts []time.Time
		h      *drift.Handle
	)
	job := drift.JobFunc(func(ctx context.Context) error {
		mu.Lock()
		starts = append(starts, clock.Now())
		n := len(starts)
		mu.Unlock()
		clock.Advance(7 * time.Second)
		if n == 2 {
			h.Cancel()
		}
		return nil
	})

	events := &recorder{}
	var err error
	h, err = drift.StartWithOptions(context.Background(), 5*time.Second, job, drift.Options{
		Clock:     clock,
		Logger:    quietLogger(),
		Observers: []drift.Observer{events},
	})
	require.NoError(t, err)

	waitForTimers(t, clock, 1)
	clock.Advance(5 * time.Second)
	require.NoError(t, waitStopped(t, h))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	assert.Equal(t, epoch.Add(5*time.Second), starts[0])
	assert.Equal(t, epoch.Add(12*time.Second), starts[1], "second run must start right after the overrun")
	assert.Equal(t, []time.Duration{5 * time.Second}, clock.Requested(), "no extra wait after an overrun")

	succeeded := events.ofKind(drift.EventRunSucceeded)
	require.NotEmpty(t, succeeded)
	assert.Zero(t, succeeded[0].NextWait)
}

func TestLoop_RunImmediately(t *testing.T) {
	clock := drifttest.NewClock(epoch)

	var runs atomic.Int64
	job := drift.JobFunc(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	h, err := drift.StartWithOptions(context.Background(), 5*time.Second, job, drift.Options{
		RunImmediately: true,
		Clock:          clock,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	defer h.Cancel()

	waitForTimers(t, clock, 1)
	assert.Equal(t, int64(1), runs.Load(), "first run must not wait")
	assert.Equal(t, []time.Duration{5 * time.Second}, clock.Requested())
}

func TestLoop_CancelDuringWait(t *testing.T) {
	clock := drifttest.NewClock(epoch)

	var runs atomic.Int64
	h, err := drift.StartWithOptions(context.Background(), 5*time.Second, drift.JobFunc(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}), drift.Options{Clock: clock, Logger: quietLogger()})
	require.NoError(t, err)

	waitForTimers(t, clock, 1)
	assert.Equal(t, drift.StateWaiting, h.State())

	h.Cancel()
	h.Cancel() // idempotent
	require.NoError(t, waitStopped(t, h))

	clock.Advance(time.Minute)
	assert.Zero(t, runs.Load())
	assert.Equal(t, drift.StateStopped, h.State())
	assert.True(t, h.IsCancelled())
	assert.NoError(t, h.Err())
}

func TestLoop_CancelRightAfterStart(t *testing.T) {
	var runs atomic.Int64
	h, err := drift.Start(context.Background(), 20*time.Millisecond, drift.JobFunc(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}), false)
	require.NoError(t, err)
	h.Cancel()

	require.NoError(t, waitStopped(t, h))
	assert.Never(t, func() bool {
		return runs.Load() > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "job must never run")
}

func TestLoop_CancelDuringRunLetsJobFinish(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var runs atomic.Int64
	job := drift.JobFunc(func(ctx context.Context) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	})

	h, err := drift.StartWithOptions(context.Background(), 10*time.Millisecond, job, drift.Options{
		RunImmediately: true,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)

	<-entered
	h.Cancel()
	assert.Equal(t, drift.StateRunning, h.State(), "the loop must not preempt the job")
	assert.True(t, h.IsCancelled())

	select {
	case <-h.Done():
		t.Fatal("loop stopped before the job returned")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, waitStopped(t, h))
	assert.Equal(t, int64(1), runs.Load())
}

func TestLoop_CooperativeJobObservesCancellation(t *testing.T) {
	entered := make(chan struct{})
	job := drift.JobFunc(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	h, err := drift.StartWithOptions(context.Background(), time.Hour, job, drift.Options{
		RunImmediately: true,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)

	<-entered
	h.Cancel()
	assert.NoError(t, waitStopped(t, h), "a job returning ctx.Err after cancel is a clean stop")
}

func TestLoop_FailingJobRunsOnce(t *testing.T) {
	errBoom := errors.New("boom")
	events := &recorder{}

	var runs atomic.Int64
	h, err := drift.StartWithOptions(context.Background(), 5*time.Millisecond, drift.JobFunc(func(ctx context.Context) error {
		runs.Add(1)
		return errBoom
	}), drift.Options{
		Name:           "failing",
		RunImmediately: true,
		Logger:         quietLogger(),
		Observers:      []drift.Observer{events},
	})
	require.NoError(t, err)

	err = waitStopped(t, h)
	require.ErrorIs(t, err, errBoom)

	var jobErr *drift.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "failing", jobErr.Loop)
	assert.Equal(t, uint64(1), jobErr.Cycle)
	assert.Equal(t, err, h.Err())

	assert.Never(t, func() bool {
		return runs.Load() > 1
	}, 50*time.Millisecond, 5*time.Millisecond, "a failed job must not be retried")

	failed := events.ofKind(drift.EventRunFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, errBoom)

	stopped := events.ofKind(drift.EventStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, drift.StopJobFailed, stopped[0].Reason)
}

func TestLoop_PanickingJobStopsLoop(t *testing.T) {
	h, err := drift.StartWithOptions(context.Background(), time.Second, drift.JobFunc(func(ctx context.Context) error {
		panic("kaboom")
	}), drift.Options{RunImmediately: true, Logger: quietLogger()})
	require.NoError(t, err)

	err = waitStopped(t, h)
	var panicErr *drift.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestLoop_ContextCanceledWithoutCancelIsFailure(t *testing.T) {
	h, err := drift.StartWithOptions(context.Background(), time.Second, drift.JobFunc(func(ctx context.Context) error {
		return context.Canceled
	}), drift.Options{RunImmediately: true, Logger: quietLogger()})
	require.NoError(t, err)

	err = waitStopped(t, h)
	var jobErr *drift.JobError
	assert.ErrorAs(t, err, &jobErr)
}

func TestLoop_ParentContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := drifttest.NewClock(epoch)

	h, err := drift.StartWithOptions(ctx, time.Minute, drift.JobFunc(func(ctx context.Context) error {
		return nil
	}), drift.Options{Clock: clock, Logger: quietLogger()})
	require.NoError(t, err)

	waitForTimers(t, clock, 1)
	cancel()

	require.NoError(t, waitStopped(t, h))
	assert.True(t, h.IsCancelled())
}

func TestLoop_ParentDeadlineIsCleanStop(t *testing.T) {
	for name, job := range map[string]drift.JobFunc{
		"returns ctx.Err": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		"wraps ctx.Err": func(ctx context.Context) error {
			<-ctx.Done()
			return fmt.Errorf("fetch: %w", ctx.Err())
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			var logs syncBuffer
			events := &recorder{}

			h, err := drift.StartWithOptions(ctx, time.Hour, job, drift.Options{
				RunImmediately: true,
				Logger:         slog.New(slog.NewTextHandler(&logs, nil)),
				Observers:      []drift.Observer{events},
			})
			require.NoError(t, err)

			waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer waitCancel()
			require.NoError(t, h.Wait(waitCtx))
			assert.NoError(t, h.Err())
			assert.True(t, h.IsCancelled())
			assert.Equal(t, drift.StateStopped, h.State())

			assert.Empty(t, events.ofKind(drift.EventRunFailed))
			stopped := events.ofKind(drift.EventStopped)
			require.Len(t, stopped, 1)
			assert.Equal(t, drift.StopCanceled, stopped[0].Reason)
			assert.NotContains(t, logs.String(), "drift job failed")
		})
	}
}

func TestLoop_ParentDeadlineDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var runs atomic.Int64
	h, err := drift.StartWithOptions(ctx, time.Hour, drift.JobFunc(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}), drift.Options{Logger: quietLogger()})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, h.Wait(waitCtx))
	assert.Zero(t, runs.Load())
}

func TestLoop_FirstWaitCountsFromStart(t *testing.T) {
	clock := drifttest.NewClock(epoch)
	events := &recorder{}

	h, err := drift.StartWithOptions(context.Background(), time.Minute, drift.JobFunc(func(ctx context.Context) error {
		return nil
	}), drift.Options{Clock: clock, Logger: quietLogger(), Observers: []drift.Observer{events}})
	require.NoError(t, err)
	defer h.Cancel()

	// Time passes before the loop goroutine gets to wait.
	clock.Advance(10 * time.Second)
	waitForTimers(t, clock, 1)
	clock.Advance(50 * time.Second)

	require.Eventually(t, func() bool {
		return len(events.ofKind(drift.EventRunStarted)) == 1
	}, time.Second, time.Millisecond)
	started := events.ofKind(drift.EventRunStarted)[0]
	assert.True(t, started.ScheduledAt.Equal(epoch.Add(time.Minute)), "scheduled at %s", started.ScheduledAt)
	assert.True(t, started.StartedAt.Equal(epoch.Add(time.Minute)), "started at %s", started.StartedAt)
}

func TestLoop_NoOverlappingRuns(t *testing.T) {
	type window struct{ start, end time.Time }

	var (
		mu       sync.Mutex
		windows  []window
		inflight atomic.Int32
		overlap  atomic.Bool
	)
	job := drift.JobFunc(func(ctx context.Context) error {
		if inflight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inflight.Add(-1)

		start := time.Now()
		time.Sleep(8 * time.Millisecond)
		mu.Lock()
		windows = append(windows, window{start: start, end: time.Now()})
		mu.Unlock()
		return nil
	})

	h, err := drift.StartWithOptions(context.Background(), 5*time.Millisecond, job, drift.Options{
		RunImmediately: true,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Cycles() >= 5
	}, 2*time.Second, 5*time.Millisecond)
	h.Cancel()
	require.NoError(t, waitStopped(t, h))

	assert.False(t, overlap.Load(), "two runs executed at the same time")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(windows); i++ {
		assert.False(t, windows[i].start.Before(windows[i-1].end), "run %d started before run %d finished", i, i-1)
	}
}

func TestLoop_SlowObserverDoesNotBlockScheduling(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	slow := drift.ObserverFunc(func(drift.Event) { <-block })

	h, err := drift.StartWithOptions(context.Background(), time.Millisecond, drift.JobFunc(func(ctx context.Context) error {
		return nil
	}), drift.Options{
		RunImmediately: true,
		Logger:         quietLogger(),
		Observers:      []drift.Observer{slow},
		EventBuffer:    1,
		DrainTimeout:   20 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Cycles() >= 10
	}, 2*time.Second, time.Millisecond, "a blocked observer stalled the loop")
	assert.Positive(t, h.DroppedEvents())

	h.Cancel()
	require.NoError(t, waitStopped(t, h))
}

func TestLoop_PanickingObserverIsIsolated(t *testing.T) {
	var calls atomic.Int64
	bad := drift.ObserverFunc(func(drift.Event) {
		calls.Add(1)
		panic("observer bug")
	})

	h, err := drift.StartWithOptions(context.Background(), time.Millisecond, drift.JobFunc(func(ctx context.Context) error {
		return nil
	}), drift.Options{RunImmediately: true, Logger: quietLogger(), Observers: []drift.Observer{bad}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Cycles() >= 3 && calls.Load() >= 3
	}, 2*time.Second, time.Millisecond)
	h.Cancel()
	require.NoError(t, waitStopped(t, h))
}

func TestLoop_Hooks(t *testing.T) {
	var starts, finishes, stops atomic.Int64
	var stopReason atomic.Int32

	hooks := drift.Hooks{
		OnRunStart:  func(drift.Event) { starts.Add(1) },
		OnRunFinish: func(drift.Event) { finishes.Add(1) },
		OnStop: func(e drift.Event) {
			stops.Add(1)
			stopReason.Store(int32(e.Reason))
		},
	}

	h, err := drift.StartWithOptions(context.Background(), time.Millisecond, drift.JobFunc(func(ctx context.Context) error {
		return nil
	}), drift.Options{RunImmediately: true, Logger: quietLogger(), Observers: []drift.Observer{hooks}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.Cycles() >= 2 }, time.Second, time.Millisecond)
	h.Cancel()
	require.NoError(t, waitStopped(t, h))

	assert.GreaterOrEqual(t, starts.Load(), int64(2))
	assert.GreaterOrEqual(t, finishes.Load(), int64(1))
	assert.Equal(t, int64(1), stops.Load())
	assert.Equal(t, drift.StopCanceled, drift.StopReason(stopReason.Load()))
}

func TestLoop_Logging(t *testing.T) {
	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clock := drifttest.NewClock(epoch)

	h, err := drift.StartWithOptions(context.Background(), 5*time.Second, drift.JobFunc(func(ctx context.Context) error {
		clock.Advance(time.Second)
		return nil
	}), drift.Options{Name: "logged", RunImmediately: true, Clock: clock, Logger: logger})
	require.NoError(t, err)

	waitForTimers(t, clock, 1)
	h.Cancel()
	require.NoError(t, waitStopped(t, h))

	out := buf.String()
	assert.Contains(t, out, "running job")
	assert.Contains(t, out, "job took")
	assert.Contains(t, out, "elapsed=1s")
	assert.Contains(t, out, "next_wait=4s")
	assert.Contains(t, out, "next_run_at=")
	assert.Contains(t, out, "stopping drift job")
	assert.Contains(t, out, "loop=logged")
	assert.NotContains(t, out, "level=ERROR", "cancellation must not be logged as an error")
}

func TestLoop_FailureLoggedOnce(t *testing.T) {
	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h, err := drift.StartWithOptions(context.Background(), time.Millisecond, drift.JobFunc(func(ctx context.Context) error {
		return errors.New("disk full")
	}), drift.Options{RunImmediately: true, Logger: logger})
	require.NoError(t, err)

	require.Error(t, waitStopped(t, h))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "level=ERROR"))
	assert.Contains(t, out, "drift job failed")
	assert.Contains(t, out, "disk full")
}
