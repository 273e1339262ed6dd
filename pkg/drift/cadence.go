package drift

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxSkipCount bounds the walk over activations missed during one run.
const maxSkipCount = 1 << 16

// cadence decides when runs are due.
type cadence interface {
	// first returns the activation of the first cycle.
	first(now time.Time) (time.Time, bool)
	// next returns the activation following a run and the number of
	// activations that passed while the run was executing.
	next(scheduled, started, finished time.Time) (at time.Time, skipped int, ok bool)
}

type intervalCadence struct {
	interval time.Duration
}

func (c intervalCadence) first(now time.Time) (time.Time, bool) {
	return now.Add(c.interval), true
}

func (c intervalCadence) next(_, started, finished time.Time) (time.Time, int, bool) {
	return finished.Add(NextWait(c.interval, finished.Sub(started))), 0, true
}

// cronParser accepts 6-field specs with seconds, classic 5-field specs and
// descriptors such as "@hourly" or "@every 5m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron spec the same way StartCron does.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, spec, err)
	}
	return sched, nil
}

type cronCadence struct {
	schedule cron.Schedule
	location *time.Location
}

func (c cronCadence) first(now time.Time) (time.Time, bool) {
	at := c.schedule.Next(now.In(c.location))
	return at, !at.IsZero()
}

func (c cronCadence) next(scheduled, _, finished time.Time) (time.Time, int, bool) {
	skipped := 0
	at := c.schedule.Next(scheduled.In(c.location))
	for !at.IsZero() && !at.After(finished) && skipped < maxSkipCount {
		skipped++
		at = c.schedule.Next(at)
	}
	if at.IsZero() || !at.After(finished) {
		at = c.schedule.Next(finished.In(c.location))
	}
	return at, skipped, !at.IsZero()
}

// StartCron runs job at the activations of a cron spec. Activations that
// pass while the job is still running are skipped, never queued, so runs
// stay strictly sequential. Failure and cancellation behave as in Start.
func StartCron(ctx context.Context, spec string, job Job, opts Options) (*Handle, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return start(ctx, cronCadence{schedule: sched, location: loc}, job, opts)
}
