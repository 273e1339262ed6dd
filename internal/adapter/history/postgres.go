package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"driftloop/internal/platform/pg"
	"driftloop/internal/shared"
)

// PostgresStore keeps runs in PostgreSQL, for daemons sharing one history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres applies the embedded migrations and connects a pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if _, err := pg.ApplyMigrationsFromFS(dsn, migrations, "migrations/postgres"); err != nil {
		return nil, shared.MarkKind(fmt.Errorf("history: migrate postgres: %w", err), shared.KindDependencyFailure)
	}
	pool, err := pg.NewPool(ctx, dsn)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("history: connect postgres: %w", err), shared.KindDependencyFailure)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStore wraps a pool whose database is already migrated.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Record(ctx context.Context, run Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drift_runs (instance_id, loop, cycle, status, scheduled_at, started_at,
			finished_at, elapsed_ns, next_wait_ns, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.InstanceID, run.Loop, int64(run.Cycle), string(run.Status),
		run.ScheduledAt, run.StartedAt, run.FinishedAt,
		int64(run.Elapsed), int64(run.NextWait), run.Error,
	)
	return shared.Wrap(err, "history: record run")
}

func (s *PostgresStore) Recent(ctx context.Context, loop string, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id::text, loop, cycle, status, scheduled_at, started_at,
			finished_at, elapsed_ns, next_wait_ns, error
		FROM drift_runs
		WHERE ($1::text = '' OR loop = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT $2`, loop, clampLimit(limit))
	if err != nil {
		return nil, shared.Wrap(err, "history: query runs")
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Run, error) {
		var (
			r                        Run
			cycle, elapsed, nextWait int64
			status                   string
		)
		err := row.Scan(&r.ID, &r.InstanceID, &r.Loop, &cycle, &status, &r.ScheduledAt,
			&r.StartedAt, &r.FinishedAt, &elapsed, &nextWait, &r.Error)
		r.Cycle = uint64(cycle)
		r.Status = Status(status)
		r.Elapsed = time.Duration(elapsed)
		r.NextWait = time.Duration(nextWait)
		return r, err
	})
	if err != nil {
		return nil, shared.Wrap(err, "history: scan runs")
	}
	if runs == nil {
		runs = []Run{}
	}
	return runs, nil
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM drift_runs WHERE started_at < $1`, before)
	if err != nil {
		return 0, shared.Wrap(err, "history: prune runs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
