package breaker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vietddude/shepherd/internal/metrics"
)

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, OpenDuration: time.Minute, HalfOpenMaxProbes: 1})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("breaker should stay closed below threshold")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker should trip at threshold")
	}

	if b.Allow() {
		t.Error("open breaker must not allow attempts before cool-down")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, OpenDuration: time.Minute, HalfOpenMaxProbes: 1})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Error("interleaved success should reset the consecutive failure count")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: 30 * time.Second, HalfOpenMaxProbes: 2})

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("open breaker must deny attempts")
	}

	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should admit a probe after cool-down")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbeCap(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 3, OpenDuration: time.Second, HalfOpenMaxProbes: 2})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	if !b.Allow() {
		t.Fatal("first probe should be admitted")
	}
	if !b.Allow() {
		t.Fatal("second probe should be admitted")
	}
	if b.Allow() {
		t.Error("third probe should exceed the half-open cap")
	}
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: time.Second, HalfOpenMaxProbes: 2})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatal("one success should not close the breaker yet")
	}

	if !b.Allow() {
		t.Fatal("second probe should be admitted")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Error("breaker should close after the success threshold")
	}
}

func TestBreaker_ReopensOnProbeFailure(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: time.Second, HalfOpenMaxProbes: 2})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Error("any failure while probing must re-trip the breaker")
	}
	if b.Allow() {
		t.Error("re-tripped breaker must deny attempts")
	}
}

func TestBreaker_TransitionsAreCounted(t *testing.T) {
	transitions := func(state string) float64 {
		return testutil.ToFloat64(metrics.BreakerTransitionsTotal.WithLabelValues(state))
	}
	openBefore := transitions("open")
	halfOpenBefore := transitions("half-open")
	closedBefore := transitions("closed")

	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: time.Second, HalfOpenMaxProbes: 1})

	b.RecordFailure()
	if got := transitions("open") - openBefore; got != 1 {
		t.Errorf("open transitions = %v, want 1", got)
	}

	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted after cool-down")
	}
	if got := transitions("half-open") - halfOpenBefore; got != 1 {
		t.Errorf("half-open transitions = %v, want 1", got)
	}

	b.RecordSuccess()
	if got := transitions("closed") - closedBefore; got != 1 {
		t.Errorf("closed transitions = %v, want 1", got)
	}
}

func TestManager_LazyCreation(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 2, SuccessThreshold: 1, OpenDuration: time.Minute, HalfOpenMaxProbes: 1})

	// A never-failed source has no breaker and is always allowed.
	if !m.Allow(1) {
		t.Fatal("unknown source should be allowed")
	}
	if m.State(1) != StateClosed {
		t.Fatal("unknown source reports closed")
	}
	if len(m.States()) != 0 {
		t.Fatal("no breaker should exist before the first failure")
	}

	m.RecordFailure(1)
	if len(m.States()) != 1 {
		t.Fatal("first failure should create the breaker")
	}

	m.RecordFailure(1)
	if m.Allow(1) {
		t.Error("tripped source must be denied")
	}

	// Other sources are unaffected.
	if !m.Allow(2) {
		t.Error("independent source must stay allowed")
	}

	m.Remove(1)
	if len(m.States()) != 0 {
		t.Error("removal should drop the breaker")
	}
}
