package drift

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInterval is returned by Start when the interval is not positive.
	ErrInvalidInterval = errors.New("drift: interval must be positive")

	// ErrNilJob is returned when no job is supplied.
	ErrNilJob = errors.New("drift: job is nil")

	// ErrInvalidSchedule is returned by StartCron when the cron spec cannot be parsed.
	ErrInvalidSchedule = errors.New("drift: invalid cron schedule")
)

// JobError reports the failure that stopped a loop.
type JobError struct {
	Loop  string
	Cycle uint64
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("drift: job %q failed on cycle %d: %v", e.Loop, e.Cycle, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
