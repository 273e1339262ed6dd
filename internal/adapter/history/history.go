// Package history keeps a record of drift loop runs for inspection over the
// HTTP API. It is an observability sink: the loops never read it back.
package history

import (
	"context"
	"embed"
	"time"
)

//go:embed migrations
var migrations embed.FS

// Status is the outcome of one run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one finished execution of a loop's job.
type Run struct {
	ID          int64         `json:"id"`
	InstanceID  string        `json:"instance_id"`
	Loop        string        `json:"loop"`
	Cycle       uint64        `json:"cycle"`
	Status      Status        `json:"status"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Elapsed     time.Duration `json:"elapsed"`
	NextWait    time.Duration `json:"next_wait"`
	Error       string        `json:"error,omitempty"`
}

const (
	// DefaultLimit applies when Recent gets a non-positive limit.
	DefaultLimit = 50
	// MaxLimit caps Recent.
	MaxLimit = 1000
)

// Store persists runs.
type Store interface {
	// Record appends a run; the store assigns the ID.
	Record(ctx context.Context, run Run) error
	// Recent returns the newest runs first. An empty loop matches every loop.
	Recent(ctx context.Context, loop string, limit int) ([]Run, error)
	// Prune deletes runs that started before the cutoff and returns how many.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
