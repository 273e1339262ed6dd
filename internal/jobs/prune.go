package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"driftloop/pkg/drift"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Prune removes runs older than the retention from history.
type Prune struct {
	store     Pruner
	retention time.Duration
	clock     drift.Clock
	logger    *slog.Logger
}

var _ drift.Job = (*Prune)(nil)

// NewPrune creates a prune job. A nil clock means the wall clock.
func NewPrune(store Pruner, retention time.Duration, clock drift.Clock, logger *slog.Logger) *Prune {
	if clock == nil {
		clock = drift.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prune{store: store, retention: retention, clock: clock, logger: logger.With("job", "prune")}
}

// Execute implements drift.Job.
func (p *Prune) Execute(ctx context.Context) error {
	cutoff := p.clock.Now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune history before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	p.logger.Info("history pruned", slog.Int64("removed", n), slog.Time("before", cutoff))
	return nil
}
