package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"strconv"
	"time"
)

// Client wraps http.Client with default headers and request logging.
// It sends every request exactly once; callers retry through pkg/retry.
type Client struct {
	hc      *stdhttp.Client
	log     *slog.Logger
	headers map[string]string
}

// ErrInvalidRequest is returned by Get when the request cannot be built.
var ErrInvalidRequest = errors.New("http: invalid request")

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the overall request timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log:     slog.Default(),
		headers: map[string]string{"User-Agent": "driftd"},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends req with ctx, adding default headers that req does not set.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	r := req.Clone(ctx)
	for k, v := range c.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}

	u := r.URL.Redacted()
	start := time.Now()
	resp, err := c.hc.Do(r)
	dur := time.Since(start)
	if err != nil {
		c.log.Warn("http request error", slog.String("method", r.Method), slog.String("url", u), slog.Duration("dur", dur), slog.Any("error", err))
		return nil, err
	}
	c.log.Debug("http request", slog.String("method", r.Method), slog.String("url", u), slog.Int("status", resp.StatusCode), slog.Duration("dur", dur))
	return resp, nil
}

// Get sends a GET request and returns the status code and headers,
// discarding the body.
func (c *Client) Get(ctx context.Context, rawURL string) (int, stdhttp.Header, error) {
	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	drainAndClose(resp.Body)
	return resp.StatusCode, resp.Header, nil
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

// RetryAfter parses a Retry-After header value given in seconds or as an HTTP date.
func RetryAfter(h string, now time.Time) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := stdhttp.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
