// Package drifttest provides a manual clock for deterministic drift loop tests.
package drifttest

import (
	"sort"
	"sync"
	"time"

	"driftloop/pkg/drift"
)

// Clock is a drift.Clock whose time only moves on Advance.
type Clock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*timer
	requested []time.Duration
}

var _ drift.Clock = (*Clock)(nil)

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer registers a timer that fires once the clock reaches now+d.
func (c *Clock) NewTimer(d time.Duration) drift.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &timer{clock: c, deadline: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.requested = append(c.requested, d)
	if d <= 0 {
		t.fired = true
		t.ch <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every timer that became due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].deadline.Before(c.timers[j].deadline) })

	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.deadline.After(c.now) {
			pending = append(pending, t)
			continue
		}
		t.fired = true
		t.ch <- c.now
	}
	c.timers = pending
}

// Pending returns the number of timers waiting to fire.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Requested returns the durations of every timer created so far, in order.
func (c *Clock) Requested() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.requested))
	copy(out, c.requested)
	return out
}

func (c *Clock) remove(t *timer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired {
		return false
	}
	for i, p := range c.timers {
		if p == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

type timer struct {
	clock    *Clock
	deadline time.Time
	ch       chan time.Time
	fired    bool // guarded by clock.mu
}

func (t *timer) C() <-chan time.Time { return t.ch }

func (t *timer) Stop() bool { return t.clock.remove(t) }
