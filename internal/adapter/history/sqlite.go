package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"driftloop/internal/platform/sqlite"
	"driftloop/internal/shared"
)

// SQLiteStore keeps runs in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite applies the embedded migrations to path and opens the store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := sqlite.ApplyMigrationsFromFS(path, migrations, "migrations/sqlite"); err != nil {
		return nil, shared.MarkKind(fmt.Errorf("history: migrate sqlite: %w", err), shared.KindDependencyFailure)
	}
	db, err := sqlite.NewDB(ctx, path)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("history: open sqlite: %w", err), shared.KindDependencyFailure)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Record(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (instance_id, loop, cycle, status, scheduled_at, started_at,
			finished_at, elapsed_ns, next_wait_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.InstanceID, run.Loop, int64(run.Cycle), string(run.Status),
		unixNano(run.ScheduledAt), unixNano(run.StartedAt), unixNano(run.FinishedAt),
		int64(run.Elapsed), int64(run.NextWait), run.Error,
	)
	return shared.Wrap(err, "history: record run")
}

func (s *SQLiteStore) Recent(ctx context.Context, loop string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, loop, cycle, status, scheduled_at, started_at,
			finished_at, elapsed_ns, next_wait_ns, error
		FROM runs
		WHERE (? = '' OR loop = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, loop, loop, clampLimit(limit))
	if err != nil {
		return nil, shared.Wrap(err, "history: query runs")
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r                            Run
			cycle, elapsed, nextWait     int64
			scheduled, started, finished int64
			status                       string
		)
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.Loop, &cycle, &status, &scheduled,
			&started, &finished, &elapsed, &nextWait, &r.Error); err != nil {
			return nil, shared.Wrap(err, "history: scan run")
		}
		r.Cycle = uint64(cycle)
		r.Status = Status(status)
		r.ScheduledAt = fromUnixNano(scheduled)
		r.StartedAt = fromUnixNano(started)
		r.FinishedAt = fromUnixNano(finished)
		r.Elapsed = time.Duration(elapsed)
		r.NextWait = time.Duration(nextWait)
		runs = append(runs, r)
	}
	return runs, shared.Wrap(rows.Err(), "history: iterate runs")
}

func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, unixNano(before))
	if err != nil {
		return 0, shared.Wrap(err, "history: prune runs")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
