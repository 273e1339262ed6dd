// Package scheduler owns the named drift loops of one driftd process.
//
// Every loop runs independently through pkg/drift; the scheduler only keeps
// the handles so that loops can be listed, inspected and cancelled by name,
// and fans the shared observers (run history, alerts) out to each of them.
//
//	s := scheduler.NewWithContext(ctx, scheduler.Config{
//		Logger:     logger,
//		InstanceID: instanceID,
//		Observers:  []drift.Observer{recorder, notifier},
//	})
//
//	_, err := s.AddIntervalLoop("probe", 30*time.Second, probe, true)
//	_, err = s.AddCronLoop("prune", "@hourly", prune, false)
//
//	// on shutdown
//	err = s.StopContext(shutdownCtx)
//
// Loop names are unique; an unknown name yields an error matching
// shared.ErrNotFound.
package scheduler
