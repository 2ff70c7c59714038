package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	p := NewRetryPolicy(3, time.Millisecond)
	err := p.Do(context.Background(), func(int) error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success after 2 calls, got err=%v calls=%d", err, calls)
	}
}

func TestRetryPolicyZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(0, time.Millisecond).Do(context.Background(), func(int) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 1 {
		t.Fatalf("expected single failing call, got err=%v calls=%d", err, calls)
	}
}

func TestRetryPolicyNotRetryable(t *testing.T) {
	calls := 0
	p := NewRetryPolicy(5, time.Millisecond)
	p.Retryable = func(err error) bool { return !errors.Is(err, errTransient) }
	_ = p.Do(context.Background(), func(int) error {
		calls++
		return errTransient
	})
	if calls != 1 {
		t.Fatalf("expected no retry for non-retryable error, got %d calls", calls)
	}
}

func TestRetryPolicyBackoffDoublesUpToCap(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.delay(i + 1); got != w {
			t.Fatalf("delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := NewRetryPolicy(5, time.Hour).Do(ctx, func(int) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 1 {
		t.Fatalf("expected cancellation to stop retries, got err=%v calls=%d", err, calls)
	}
}

func TestCircuitBreakerOpensAndCoolsDown(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	if cb.OnFailure() {
		t.Fatalf("breaker should not open on first failure")
	}
	if !cb.OnFailure() {
		t.Fatalf("breaker should open at threshold")
	}
	if cb.Allow() || cb.State() != BreakerOpen {
		t.Fatalf("expected breaker open, got %s", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() || cb.State() != BreakerHalfOpen {
		t.Fatalf("expected a trial call after cooldown, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatalf("only one trial call may be in flight")
	}
	if !cb.OnFailure() {
		t.Fatalf("failed trial call should reopen the breaker")
	}
	if cb.Allow() {
		t.Fatalf("expected breaker open after failed trial call")
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected second trial call")
	}
	cb.OnSuccess()
	if !cb.Allow() || cb.State() != BreakerClosed {
		t.Fatalf("expected breaker closed after successful trial call, got %s", cb.State())
	}
}
