// Package drift runs a recurring job on a fixed cadence, correcting for
// execution drift.
//
// The wait before each run is the interval minus the time the previous run
// took, so run start times track the ideal cadence instead of accumulating
// delay. A run that overruns the interval is followed by exactly one
// immediate run; overruns are never compounded into catch-up bursts.
// Executions of one loop are strictly sequential.
//
// Basic usage:
//
//	h, err := drift.Start(ctx, 5*time.Second, drift.JobFunc(func(ctx context.Context) error {
//	    return syncInventory(ctx)
//	}), true)
//	if err != nil {
//	    return err // invalid interval or nil job
//	}
//	defer h.Cancel()
//
// Cancellation is cooperative. Cancel stops a waiting loop right away; a
// running job is never interrupted and should watch ctx.Done() itself. The
// loop stops after the job returns.
//
// Failure policy:
//   - A job error (or panic) stops the loop; there are no retries
//   - Handle.Err and Handle.Wait return the *JobError after a failure
//   - Cancellation is a clean stop and is never logged as an error
//
// Cron cadence:
//
//	h, err := drift.StartCron(ctx, "0 */15 * * * *", job, drift.Options{Name: "report"})
//
// Cron activations that pass while a run is still executing are skipped
// and reported with an EventSkipped event.
//
// Observability:
//
// Every loop logs through slog (Options.Logger) and delivers Events to
// Options.Observers from a separate goroutine. Delivery is best-effort: if
// observers fall behind, events are dropped and counted by
// Handle.DroppedEvents, but the schedule is never delayed.
package drift
