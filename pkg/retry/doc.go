// Package retry repeats a single operation with exponential backoff and
// jitter.
//
// It is meant for work inside one drift cycle, such as a health probe that
// tolerates a flaky first request. The drift loop itself never retries: once
// Do gives up, the job returns the error and the loop stops.
//
//	policy := retry.DefaultPolicy()
//	policy.Attempts = 5
//	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("probe attempt failed", "attempt", attempt, "delay", delay, "error", err)
//	}
//	err := retry.Do(ctx, policy, func(ctx context.Context) error {
//	    return probe(ctx)
//	})
//
// Errors wrapped with Permanent stop the retries immediately, and errors the
// Retryable predicate rejects are returned as is. When every attempt fails Do
// returns an *ExhaustedError wrapping the last error.
package retry
