package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/shepherd/internal/core/domain"
	"github.com/vietddude/shepherd/internal/engine"
	"github.com/vietddude/shepherd/internal/fault/breaker"
	"github.com/vietddude/shepherd/internal/fault/isolation"
)

// =============================================================================
// Helpers
// =============================================================================

type stubHandle struct{ uri string }

func (h *stubHandle) URI() string { return h.uri }

func testConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseBackoff:       5 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0, // deterministic delays for tests
		AttemptTimeout:    time.Second,
	}
}

func newTestManager(reconnect Reconnector) *Manager {
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold:  100, // keep the breaker out of the way unless a test trips it
		SuccessThreshold:  1,
		OpenDuration:      time.Minute,
		HalfOpenMaxProbes: 1,
	})
	gate := isolation.NewManager(isolation.Config{
		MaxConcurrentRecoveries: 4,
		QuarantineThreshold:     1000,
		QuarantineWindow:        time.Minute,
	})
	return NewManager(testConfig(), breakers, gate, reconnect)
}

// collect drains updates for the id until a terminal kind arrives.
func collect(t *testing.T, m *Manager, terminal ...UpdateKind) []Update {
	t.Helper()

	isTerminal := func(k UpdateKind) bool {
		for _, tk := range terminal {
			if k == tk {
				return true
			}
		}
		return false
	}

	var out []Update
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-m.Updates():
			out = append(out, u)
			if isTerminal(u.Kind) {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal update, got %d updates", len(out))
		}
	}
}

// =============================================================================
// Backoff
// =============================================================================

func TestBackoff_MonotoneAndBounded(t *testing.T) {
	cfg := Config{
		MaxAttempts:       10,
		BaseBackoff:       time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0,
	}

	b := cfg.Backoff()
	var prev time.Duration
	for i := 0; i < cfg.MaxAttempts; i++ {
		d, stop := b.Next()
		if stop {
			t.Fatalf("backoff stopped early at attempt %d", i)
		}
		if d < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", i, d, prev)
		}
		if d > cfg.MaxBackoff {
			t.Errorf("attempt %d: delay %v exceeds cap %v", i, d, cfg.MaxBackoff)
		}
		prev = d
	}

	if _, stop := b.Next(); !stop {
		t.Error("backoff should stop after max attempts")
	}
}

func TestBackoff_JitterStaysUnderCap(t *testing.T) {
	cfg := Config{
		MaxAttempts:       20,
		BaseBackoff:       time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.3,
	}

	b := cfg.Backoff()
	for {
		d, stop := b.Next()
		if stop {
			return
		}
		if d > cfg.MaxBackoff {
			t.Fatalf("jittered delay %v exceeds cap %v", d, cfg.MaxBackoff)
		}
	}
}

// =============================================================================
// Scheduling
// =============================================================================

func TestSchedule_SingleInFlight(t *testing.T) {
	block := make(chan struct{})
	m := newTestManager(func(ctx context.Context, id domain.SourceID, h engine.Handle) error {
		<-block
		return nil
	})
	defer close(block)

	h := &stubHandle{uri: "rtsp://cam-1"}
	if !m.Schedule(1, h) {
		t.Fatal("first schedule should succeed")
	}
	if m.Schedule(1, h) {
		t.Error("second schedule must be refused while a task is in flight")
	}
	m.Cancel(1)
}

func TestSchedule_SuccessFlow(t *testing.T) {
	var calls int32
	m := newTestManager(func(ctx context.Context, id domain.SourceID, h engine.Handle) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if !m.Schedule(1, &stubHandle{uri: "rtsp://cam-1"}) {
		t.Fatal("schedule failed")
	}

	updates := collect(t, m, UpdateSucceeded, UpdateExhausted, UpdateBlocked)
	last := updates[len(updates)-1]
	if last.Kind != UpdateSucceeded {
		t.Fatalf("expected success, got kind %d (err %v)", last.Kind, last.Err)
	}
	if last.Attempt != 1 {
		t.Errorf("expected success on attempt 1, got %d", last.Attempt)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 reconnect call, got %d", calls)
	}

	m.Wait()
	if m.Status(1).State != StateIdle {
		t.Error("state should return to idle after success")
	}
}

func TestSchedule_Exhaustion(t *testing.T) {
	var calls int32
	m := newTestManager(func(ctx context.Context, id domain.SourceID, h engine.Handle) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("connection refused")
	})

	if !m.Schedule(1, &stubHandle{uri: "rtsp://cam-1"}) {
		t.Fatal("schedule failed")
	}

	updates := collect(t, m, UpdateExhausted)
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts before exhaustion, got %d", got)
	}

	var failed int
	for _, u := range updates {
		if u.Kind == UpdateFailed {
			failed++
		}
	}
	if failed != 3 {
		t.Errorf("expected 3 failed updates, got %d", failed)
	}

	m.Wait()
	if m.Status(1).State != StateExhausted {
		t.Error("source should be exhausted")
	}

	// Exhausted sources are parked awaiting operator action.
	if m.Schedule(1, &stubHandle{uri: "rtsp://cam-1"}) {
		t.Error("exhausted source must not reschedule automatically")
	}

	m.Reset(1)
	if !m.Schedule(1, &stubHandle{uri: "rtsp://cam-1"}) {
		t.Error("reset should allow a fresh schedule")
	}
	collect(t, m, UpdateExhausted)
}

func TestSchedule_BreakerBlocks(t *testing.T) {
	var calls int32
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold:  1,
		SuccessThreshold:  1,
		OpenDuration:      time.Hour,
		HalfOpenMaxProbes: 1,
	})
	gate := isolation.NewManager(isolation.DefaultConfig())
	m := NewManager(testConfig(), breakers, gate, func(ctx context.Context, id domain.SourceID, h engine.Handle) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	// Trip the breaker before scheduling.
	breakers.RecordFailure(1)
	if breakers.State(1) != breaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	if !m.Schedule(1, &stubHandle{uri: "rtsp://cam-1"}) {
		t.Fatal("schedule failed")
	}

	updates := collect(t, m, UpdateBlocked, UpdateSucceeded, UpdateExhausted)
	if updates[len(updates)-1].Kind != UpdateBlocked {
		t.Fatalf("expected blocked, got kind %d", updates[len(updates)-1].Kind)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("no reconnect attempt may run while the breaker is open")
	}
}

func TestCancel_NoReconnectAfterReturn(t *testing.T) {
	var calls int32
	started := make(chan struct{}, 8)
	m := newTestManager(func(ctx context.Context, id domain.SourceID, h engine.Handle) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		return errors.New("still down")
	})

	if !m.Schedule(1, &stubHandle{uri: "rtsp://cam-1"}) {
		t.Fatal("schedule failed")
	}

	// Wait for the first attempt, then cancel.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never started")
	}

	m.Cancel(1)
	after := atomic.LoadInt32(&calls)

	// No new attempt may begin once Cancel has returned.
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != after {
		t.Errorf("reconnect was called after Cancel returned: %d -> %d", after, got)
	}

	m.Wait()
	if m.InFlight(1) {
		t.Error("task should be gone after cancel")
	}
}
