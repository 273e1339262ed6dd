// Package jobs holds the drift jobs driftd runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"driftloop/internal/platform/httpclient"
	"driftloop/pkg/drift"
	"driftloop/pkg/retry"
)

// StatusError reports a probe response outside 2xx.
type StatusError struct {
	URL        string
	StatusCode int
	Retry      time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("probe %s: unexpected status %d", e.URL, e.StatusCode)
}

// RetryAfter lets retry.Do honour the server's Retry-After header.
func (e *StatusError) RetryAfter() time.Duration {
	return e.Retry
}

// Temporary reports whether the status is worth another attempt.
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Probe checks that an HTTP endpoint answers 2xx. One Execute makes up to
// Policy.Attempts requests; if they all fail the job error stops the loop.
type Probe struct {
	client  *httpclient.Client
	url     string
	display string
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

var _ drift.Job = (*Probe)(nil)

// NewProbe creates a probe of rawURL. timeout bounds a single request.
func NewProbe(client *httpclient.Client, rawURL string, timeout time.Duration, policy retry.Policy, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Probe{
		client:  client,
		url:     rawURL,
		display: rawURL,
		timeout: timeout,
		policy:  policy,
		logger:  logger.With("job", "probe"),
	}
	if u, err := url.Parse(rawURL); err == nil {
		p.display = u.Redacted()
	}
	if p.policy.OnRetry == nil {
		p.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			p.logger.Warn("probe attempt failed",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		}
	}
	return p
}

// Execute implements drift.Job.
func (p *Probe) Execute(ctx context.Context) error {
	return retry.Do(ctx, p.policy, p.attempt)
}

func (p *Probe) attempt(ctx context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	code, hdr, err := p.client.Get(ctx, p.url)
	if errors.Is(err, httpclient.ErrInvalidRequest) {
		return retry.Permanent(fmt.Errorf("probe: %w", err))
	}
	if err != nil {
		return err
	}
	if code >= 200 && code < 300 {
		return nil
	}
	statusErr := &StatusError{
		URL:        p.display,
		StatusCode: code,
		Retry:      httpclient.RetryAfter(hdr.Get("Retry-After"), time.Now()),
	}
	if !statusErr.Temporary() {
		return retry.Permanent(statusErr)
	}
	return statusErr
}

// IsStatus reports whether err is a probe StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
