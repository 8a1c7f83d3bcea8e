package client

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(threshold int) (*breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(threshold, time.Second)
	b.now = clock.now
	return b, clock
}

func TestBreaker_opensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.failure()
	b.failure()
	if !b.allow() {
		t.Fatal("breaker opened before threshold")
	}
	b.failure()
	if b.allow() {
		t.Fatal("breaker should reject calls once open")
	}
	if s := b.current(); s != breakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_successResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.failure()
	b.success()
	b.failure()
	if s := b.current(); s != breakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreaker_trialAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1)

	b.failure()
	clock.t = clock.t.Add(2 * time.Second)
	if s := b.current(); s != breakerHalfOpen {
		t.Errorf("state = %v, want half-open", s)
	}
	if !b.allow() {
		t.Fatal("trial call should be allowed after cooldown")
	}
	if b.allow() {
		t.Fatal("only one trial call may run at a time")
	}

	b.success()
	if s := b.current(); s != breakerClosed {
		t.Errorf("state = %v, want closed after successful trial call", s)
	}
}

func TestBreaker_failedTrialReopens(t *testing.T) {
	b, clock := newTestBreaker(1)

	b.failure()
	clock.t = clock.t.Add(2 * time.Second)
	if !b.allow() {
		t.Fatal("trial call should be allowed")
	}
	b.failure()
	if b.allow() {
		t.Fatal("failed trial call should reopen the breaker")
	}
}

func TestBreakerState_String(t *testing.T) {
	cases := map[breakerState]string{
		breakerClosed:   "closed",
		breakerOpen:     "open",
		breakerHalfOpen: "half-open",
		breakerState(9): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
