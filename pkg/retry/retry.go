package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/url"
	"os"
	"syscall"
	"time"

	"driftloop/pkg/drift"
)

// Policy configures retries of one operation. It never spans loop cycles:
// a job retries inside a single Execute and the drift loop treats the final
// outcome as the cycle's result.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps every wait.
	MaxDelay time.Duration
	// Multiplier grows the wait after each failure.
	Multiplier float64
	// Jitter is the fraction of each wait that is randomized, in [0, 1].
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to DefaultRetryable.
	Retryable func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Clock drives the waits. Defaults to the wall clock.
	Clock drift.Clock
	// Rand is the jitter source. Defaults to the global math/rand/v2 source.
	Rand *rand.Rand
}

// DefaultPolicy returns three attempts with 200ms..5s exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	switch {
	case p.Attempts <= 0:
		return errors.New("retry: Attempts must be positive")
	case p.BaseDelay < 0:
		return errors.New("retry: BaseDelay cannot be negative")
	case p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay:
		return errors.New("retry: BaseDelay cannot be greater than MaxDelay")
	case p.Multiplier != 0 && p.Multiplier < 1:
		return errors.New("retry: Multiplier must be >= 1")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("retry: Jitter must be within [0, 1]")
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based), before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult == 0 {
		mult = 2
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && float64(delay)*mult >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
		delay = time.Duration(float64(delay) * mult)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.Jitter == 0 || d <= 0 {
		return d
	}
	spread := int64(float64(d) * p.Jitter)
	if spread <= 0 {
		return d
	}
	var n int64
	if p.Rand != nil {
		n = p.Rand.Int64N(2*spread + 1)
	} else {
		n = rand.Int64N(2*spread + 1)
	}
	d += time.Duration(n - spread)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts failed in %s: %v", e.Attempts, e.Elapsed, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying whatever the policy says.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. Permanent errors are returned unwrapped.
// An error with a RetryAfter() time.Duration method overrides the backoff
// for the following wait, still capped by MaxDelay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	clock := p.Clock
	if clock == nil {
		clock = drift.SystemClock()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	start := clock.Now()
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return perm.err
		}
		if !retryable(last) {
			return last
		}
		if attempt == p.Attempts {
			return &ExhaustedError{Attempts: attempt, Elapsed: clock.Now().Sub(start), Last: last}
		}

		delay := p.jitter(p.Delay(attempt))
		var hint interface{ RetryAfter() time.Duration }
		if errors.As(last, &hint) {
			if d := hint.RetryAfter(); d > 0 {
				delay = d
				if p.MaxDelay > 0 && delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
		}
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := deadline.Sub(clock.Now()); delay > remaining {
				delay = max(remaining, 0)
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, delay)
		}
		if !sleep(ctx, clock, delay) {
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
		}
	}
}

func sleep(ctx context.Context, clock drift.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

// DefaultRetryable reports whether err looks transient: timeouts, dropped
// connections and refused or reset sockets. Cancellation is never retried.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var sysErr *os.SyscallError
		if errors.As(urlErr.Err, &sysErr) {
			switch sysErr.Err {
			case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
				syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
				syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}
