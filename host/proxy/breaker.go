package proxy

import (
	"sync"
	"time"
)

// BreakerState is the state of the upstream circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // requests pass through
	BreakerOpen                         // requests fail fast
	BreakerHalfOpen                     // trial requests allowed to test recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// breaker stops forwarding to an upstream that keeps failing, so clients
// get an immediate 503 instead of waiting on each request.
type breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	now          func() time.Time
}

func newBreaker(threshold int, resetTimeout time.Duration, now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	return &breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		halfOpenMax:  2,
		now:          now,
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// Allow reports whether a request may be forwarded.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state != BreakerOpen
}

// RetryAfter is how long an open breaker stays open.
func (b *breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	d := b.resetTimeout - b.now().Sub(b.lastFailure)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
	}
}

// maybeTransition moves an open breaker to half-open once the reset
// timeout has elapsed. Must be called with mu held.
func (b *breaker) maybeTransition() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
