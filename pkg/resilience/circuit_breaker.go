package resilience

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen lets one trial call through after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops attempts for a cooldown after threshold consecutive
// failures. When the cooldown ends a single trial call is allowed: success closes
// the breaker, failure reopens it straight away.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether an attempt may proceed. Every allowed attempt must
// be followed by OnSuccess or OnFailure.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if c.now().Before(c.openUntil) {
			return false
		}
		c.state = BreakerHalfOpen
		return true
	default:
		// trial call already in flight
		return false
	}
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = BreakerClosed
	c.failures = 0
	c.mu.Unlock()
}

// OnFailure records a failure and reports whether the breaker just opened.
func (c *CircuitBreaker) OnFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		c.state = BreakerOpen
		c.failures = 0
		c.openUntil = c.now().Add(c.cooldown)
		return true
	}
	return false
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
