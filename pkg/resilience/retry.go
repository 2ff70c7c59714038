package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with a doubling backoff.
// MaxRetries of zero runs the operation exactly once.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: max(maxRetries, 0), Backoff: backoff, MaxBackoff: 16 * backoff}
}

// delay is the wait before retry number attempt, counting from 1.
func (r RetryPolicy) delay(attempt int) time.Duration {
	d := r.Backoff << (attempt - 1)
	if d <= 0 || (r.MaxBackoff > 0 && d > r.MaxBackoff) {
		return r.MaxBackoff
	}
	return d
}

// Do calls fn until it succeeds. It gives up with the last error from fn once
// the retries are spent, the error is not retryable, or ctx is done.
func (r RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil || attempt >= r.MaxRetries {
			return err
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}
		t := time.NewTimer(r.delay(attempt + 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
