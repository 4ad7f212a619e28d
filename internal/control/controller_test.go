package control

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/shepherd/internal/core/domain"
	"github.com/vietddude/shepherd/internal/engine/sim"
	"github.com/vietddude/shepherd/internal/fault/breaker"
	"github.com/vietddude/shepherd/internal/fault/health"
	"github.com/vietddude/shepherd/internal/fault/isolation"
	"github.com/vietddude/shepherd/internal/fault/recovery"
	"github.com/vietddude/shepherd/internal/source"
)

// ============================================================================
// Fixtures
// ============================================================================

// testConfig keeps every timing small and the health monitor quiet so tests
// drive failures explicitly through ReportError.
func testConfig() Config {
	return Config{
		Sources: source.Config{
			MaxSources:     8,
			ConnectTimeout: time.Second,
		},
		Breaker: breaker.Config{
			FailureThreshold:  3,
			SuccessThreshold:  1,
			OpenDuration:      200 * time.Millisecond,
			HalfOpenMaxProbes: 2,
		},
		Recovery: recovery.Config{
			MaxAttempts:       10,
			BaseBackoff:       10 * time.Millisecond,
			MaxBackoff:        50 * time.Millisecond,
			BackoffMultiplier: 2.0,
			AttemptTimeout:    time.Second,
		},
		Health: health.Config{
			ProbeInterval: time.Hour, // quiet; tests report failures directly
		},
		Isolation: isolation.Config{
			MaxConcurrentRecoveries: 4,
			QuarantineThreshold:     100,
			QuarantineWindow:        time.Minute,
		},
	}
}

func newTestController(t *testing.T, cfg Config) (*Controller, *sim.Engine, context.CancelFunc) {
	t.Helper()
	eng := sim.New()

	c, err := NewController(cfg, eng)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	// No health server in unit tests; the event loop and monitor are enough.
	ctx, cancel := context.WithCancel(context.Background())
	go c.healthMon.Start(ctx)
	go c.runJournalWriter(ctx)
	go c.runLoop(ctx)
	t.Cleanup(cancel)

	return c, eng, cancel
}

func addPlaying(t *testing.T, c *Controller, uri string) domain.SourceID {
	t.Helper()
	id, err := c.AddSource(context.Background(), uri)
	if err != nil {
		t.Fatalf("AddSource(%s): %v", uri, err)
	}
	waitForState(t, c, id, domain.StatePlaying)
	return id
}

func waitForState(t *testing.T, c *Controller, id domain.SourceID, want domain.SourceState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		info, err := c.GetSource(id)
		if err == nil && info.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := c.GetSource(id)
	t.Fatalf("source %d never reached %s, last state %s (lastError %q)", id, want, info.State, info.LastError)
}

func breakerStateOf(t *testing.T, c *Controller, id domain.SourceID) string {
	t.Helper()
	for _, r := range c.HealthReport(context.Background()) {
		if r.ID == uint64(id) {
			return r.Breaker
		}
	}
	t.Fatalf("source %d missing from health report", id)
	return ""
}

// ============================================================================
// Breaker interplay
// ============================================================================

func TestBreakerOpensThenRecoveryResumesAfterCooldown(t *testing.T) {
	c, eng, _ := newTestController(t, testConfig())
	uri := "rtsp://cam-1/stream"
	id := addPlaying(t, c, uri)

	// Two failed attempts on top of the initial failure trip the breaker;
	// the drained script makes the post-cooldown probe succeed.
	eng.ScriptReconnect(uri,
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
	)

	c.ReportError(id, errors.New("connection reset by peer"))

	// The recovery task hits the open breaker and parks the source in error.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if breakerStateOf(t, c, id) == "open" && !c.recovery.InFlight(id) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := breakerStateOf(t, c, id); got != "open" {
		t.Fatalf("breaker state = %s, want open", got)
	}
	info, _ := c.GetSource(id)
	if info.State != domain.StateError {
		t.Fatalf("state = %s, want error while breaker open", info.State)
	}
	if eng.ReconnectCalls(uri) != 2 {
		t.Errorf("reconnect calls = %d, want 2 before breaker opened", eng.ReconnectCalls(uri))
	}

	// No further reports arrive. Once the cooldown elapses the controller
	// must retry on its own: the half-open probe succeeds and closes the
	// breaker.
	waitForState(t, c, id, domain.StatePlaying)
	if got := breakerStateOf(t, c, id); got != "closed" {
		t.Errorf("breaker state after recovery = %s, want closed", got)
	}
	if eng.ReconnectCalls(uri) != 3 {
		t.Errorf("reconnect calls = %d, want 3", eng.ReconnectCalls(uri))
	}
}

// ============================================================================
// Capacity and listing
// ============================================================================

func TestSourceCapIsEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.Sources.MaxSources = 2
	c, _, _ := newTestController(t, cfg)

	addPlaying(t, c, "rtsp://cam-1/stream")
	addPlaying(t, c, "rtsp://cam-2/stream")

	if _, err := c.AddSource(context.Background(), "rtsp://cam-3/stream"); !errors.Is(err, domain.ErrResourceLimit) {
		t.Errorf("third add = %v, want ErrResourceLimit", err)
	}
	if got := len(c.ListActiveSources()); got != 2 {
		t.Errorf("active sources = %d, want 2", got)
	}
}

// ============================================================================
// Isolation
// ============================================================================

func TestSimultaneousFailuresAllRecoverUnderCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Isolation.MaxConcurrentRecoveries = 1
	c, eng, _ := newTestController(t, cfg)

	var ids []domain.SourceID
	var uris []string
	for i := 0; i < 3; i++ {
		uri := fmt.Sprintf("rtsp://cam-%d/stream", i)
		uris = append(uris, uri)
		ids = append(ids, addPlaying(t, c, uri))
		// One failed attempt each before succeeding keeps the gate busy.
		eng.ScriptReconnect(uri, errors.New("i/o timeout"))
	}

	for _, id := range ids {
		c.ReportError(id, errors.New("i/o timeout"))
	}

	// A ceiling of one serializes the attempts but drops none.
	for _, id := range ids {
		waitForState(t, c, id, domain.StatePlaying)
	}
	for _, uri := range uris {
		if got := eng.ReconnectCalls(uri); got != 2 {
			t.Errorf("reconnect calls for %s = %d, want 2", uri, got)
		}
	}
}

func TestChronicFailerIsQuarantined(t *testing.T) {
	cfg := testConfig()
	cfg.Isolation.QuarantineThreshold = 2
	// Keep the breaker out of the way so the test isolates quarantine.
	cfg.Breaker.FailureThreshold = 10
	c, eng, _ := newTestController(t, cfg)

	uri := "rtsp://cam-bad/stream"
	id := addPlaying(t, c, uri)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	// Fail until the quarantine window fills: the initial report plus two
	// failed attempts crosses a threshold of two.
	eng.ScriptReconnect(uri,
		errors.New("no route to host"),
		errors.New("no route to host"),
		errors.New("no route to host"),
	)
	c.ReportError(id, errors.New("no route to host"))

	sawQuarantine := false
	deadline := time.After(3 * time.Second)
	for !sawQuarantine {
		select {
		case ev := <-events:
			if ev.Type == domain.EventSourceQuarantined && ev.SourceID == id {
				sawQuarantine = true
			}
		case <-deadline:
			t.Fatal("source never quarantined")
		}
	}

	if !c.gate.IsQuarantined(id) {
		t.Fatal("gate does not report quarantine")
	}
	info, _ := c.GetSource(id)
	if info.State != domain.StateError {
		t.Errorf("quarantined source state = %s, want error", info.State)
	}

	// Further failure reports must not schedule recovery.
	calls := eng.ReconnectCalls(uri)
	c.ReportError(id, errors.New("no route to host"))
	time.Sleep(100 * time.Millisecond)
	if got := eng.ReconnectCalls(uri); got != calls {
		t.Errorf("reconnect calls grew %d -> %d while quarantined", calls, got)
	}

	// Lifting quarantine resumes recovery; the script is drained so the
	// next attempt succeeds.
	if err := c.ReleaseQuarantine(id); err != nil {
		t.Fatalf("ReleaseQuarantine: %v", err)
	}
	waitForState(t, c, id, domain.StatePlaying)
}

// ============================================================================
// Removal
// ============================================================================

func TestRemoveCancelsInFlightRecovery(t *testing.T) {
	c, eng, _ := newTestController(t, testConfig())
	uri := "rtsp://cam-1/stream"
	id := addPlaying(t, c, uri)

	// Keep recovery failing so a task is live when the remove lands.
	for i := 0; i < 20; i++ {
		eng.ScriptReconnect(uri, errors.New("connection refused"))
	}
	c.ReportError(id, errors.New("connection refused"))
	waitForState(t, c, id, domain.StateError)

	if err := c.RemoveSource(context.Background(), id); err != nil {
		t.Fatalf("RemoveSource: %v", err)
	}

	// No reconnect may be observed once remove has returned.
	calls := eng.ReconnectCalls(uri)
	time.Sleep(150 * time.Millisecond)
	if got := eng.ReconnectCalls(uri); got != calls {
		t.Errorf("reconnect calls grew %d -> %d after removal", calls, got)
	}
	if _, err := c.GetSource(id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSource after removal = %v, want ErrNotFound", err)
	}
	for _, info := range c.ListActiveSources() {
		if info.ID == id {
			t.Error("removed source still listed")
		}
	}
}

// ============================================================================
// Exhaustion and restart
// ============================================================================

func TestExhaustionParksSourceUntilRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.MaxAttempts = 2
	c, eng, _ := newTestController(t, cfg)

	uri := "rtsp://cam-1/stream"
	id := addPlaying(t, c, uri)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	eng.ScriptReconnect(uri,
		errors.New("connection refused"),
		errors.New("connection refused"),
	)
	c.ReportError(id, errors.New("connection refused"))

	sawExhausted := false
	deadline := time.After(3 * time.Second)
	for !sawExhausted {
		select {
		case ev := <-events:
			if ev.Type == domain.EventRecoveryExhausted && ev.SourceID == id {
				sawExhausted = true
			}
		case <-deadline:
			t.Fatal("recovery never exhausted")
		}
	}

	info, _ := c.GetSource(id)
	if info.State != domain.StateError {
		t.Errorf("exhausted source state = %s, want error", info.State)
	}

	// A further failure report must not start a new cycle while exhausted.
	calls := eng.ReconnectCalls(uri)
	c.ReportError(id, errors.New("connection refused"))
	time.Sleep(100 * time.Millisecond)
	if got := eng.ReconnectCalls(uri); got != calls {
		t.Errorf("reconnect calls grew %d -> %d while exhausted", calls, got)
	}

	// Operator restart clears the slate; the drained script lets the next
	// attempt succeed.
	if err := c.RestartSource(context.Background(), id); err != nil {
		t.Fatalf("RestartSource: %v", err)
	}
	waitForState(t, c, id, domain.StatePlaying)
}

// ============================================================================
// End of stream
// ============================================================================

func TestEOSRemovesSourceWithoutRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Health = health.Config{
		ProbeInterval: 30 * time.Millisecond,
		ProbeTimeout:  time.Second,
		StaleTimeout:  time.Hour,
	}
	c, eng, _ := newTestController(t, cfg)

	uri := "rtsp://cam-1/stream"
	id := addPlaying(t, c, uri)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	eng.MarkEOS(uri)

	sawEOS := false
	deadline := time.After(3 * time.Second)
	for !sawEOS {
		select {
		case ev := <-events:
			if ev.Type == domain.EventSourceEOS && ev.SourceID == id {
				sawEOS = true
			}
		case <-deadline:
			t.Fatal("no EOS event observed")
		}
	}

	// The sweep removes the ended source.
	removalDeadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(removalDeadline) {
		if _, err := c.GetSource(id); errors.Is(err, domain.ErrNotFound) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := c.GetSource(id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("EOS source still registered")
	}
	if eng.ReconnectCalls(uri) != 0 {
		t.Errorf("reconnect attempted on EOS source: %d calls", eng.ReconnectCalls(uri))
	}
}

// ============================================================================
// Journal
// ============================================================================

func TestJournalRecordsLifecycle(t *testing.T) {
	c, _, _ := newTestController(t, testConfig())
	id := addPlaying(t, c, "rtsp://cam-1/stream")

	c.ReportError(id, errors.New("connection reset by peer"))
	waitForState(t, c, id, domain.StatePlaying) // default script: instant success

	// The journal writer runs async; give it a beat.
	var entries []domain.SourceEvent
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		entries, err = c.Journal().Recent(context.Background(), 50)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if hasEvent(entries, domain.EventSourceError, id) && hasEvent(entries, domain.EventSourceAdded, id) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !hasEvent(entries, domain.EventSourceAdded, id) {
		t.Error("journal missing source_added")
	}
	if !hasEvent(entries, domain.EventSourceError, id) {
		t.Error("journal missing source_error")
	}
	for _, ev := range entries {
		if ev.ID == "" {
			t.Errorf("journal entry %s has empty event id", ev.Type)
		}
	}
}

func hasEvent(events []domain.SourceEvent, et domain.EventType, id domain.SourceID) bool {
	for _, ev := range events {
		if ev.Type == et && ev.SourceID == id {
			return true
		}
	}
	return false
}
