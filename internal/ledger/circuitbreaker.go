package ledger

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen is returned when Call is rejected because the
// breaker has tripped open. Grounded on
// orchestration/payment_lifecycle.go's CircuitBreaker.
var ErrCircuitBreakerOpen = errors.New("ledger: circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker guards a blocking external call (a chain Transfer) from
// being hammered while it is failing, per spec.md §5's discipline around
// suspension points.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	threshold    int
	timeout      time.Duration
	lastFailure  time.Time
}

// NewCircuitBreaker builds a breaker that opens after threshold
// consecutive failures and attempts a half-open probe after timeout.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, timeout: timeout}
}

// AllowRequest reports whether a call should be attempted right now,
// transitioning Open -> HalfOpen once the timeout has elapsed.
func (c *CircuitBreaker) AllowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(c.lastFailure) >= c.timeout {
			c.state = stateHalfOpen
			return true
		}
		return false
	default: // half-open: every request is let through until a result is recorded
		return true
	}
}

// RecordResult updates breaker state after a call completes.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.failures = 0
		c.state = stateClosed
		return
	}
	c.failures++
	c.lastFailure = time.Now()
	if c.state == stateHalfOpen || c.failures >= c.threshold {
		c.state = stateOpen
	}
}

// Call runs fn if the breaker allows it, recording the outcome.
func (c *CircuitBreaker) Call(fn func() error) error {
	if !c.AllowRequest() {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	c.RecordResult(err == nil)
	return err
}
