package proxy

import (
	"testing"
	"time"
)

func TestBreaker_Lifecycle(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBreaker(3, 10*time.Second, func() time.Time { return now })

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("a success must reset the failure count")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen || b.Allow() {
		t.Fatal("breaker should be open after three failures")
	}
	if d := b.RetryAfter(); d != 10*time.Second {
		t.Errorf("RetryAfter: %v", d)
	}

	now = now.Add(10 * time.Second)
	if b.State() != BreakerHalfOpen || !b.Allow() {
		t.Fatal("breaker should be half-open after the reset timeout")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("a half-open failure must reopen")
	}

	now = now.Add(10 * time.Second)
	if !b.Allow() {
		t.Fatal("trial request refused after the second reset timeout")
	}
	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Errorf("state: %v, want closed", b.State())
	}
}
