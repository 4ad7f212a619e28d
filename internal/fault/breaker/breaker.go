// Package breaker implements a per-source circuit breaker: a failure-counting
// gate that suppresses repeated attempts against a persistently failing
// stream, with a half-open probing phase for recovery detection.
package breaker

import (
	"sync"
	"time"

	"github.com/vietddude/shepherd/internal/metrics"
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold  int           `yaml:"failure_threshold"`    // consecutive failures to trip Closed -> Open
	SuccessThreshold  int           `yaml:"success_threshold"`    // consecutive successes to close from HalfOpen
	OpenDuration      time.Duration `yaml:"open_duration"`        // cool-down before Open -> HalfOpen
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes"` // trial attempts permitted while HalfOpen
}

// DefaultConfig provides balanced settings for flaky network streams.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenDuration:      30 * time.Second,
		HalfOpenMaxProbes: 2,
	}
}

// Breaker is a single source's failure gate. Transitions happen only through
// explicit RecordSuccess/RecordFailure signals and the Allow gate.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state        State
	failures     int // consecutive failures while Closed
	successes    int // consecutive successes while HalfOpen
	probesIssued int // attempts granted while HalfOpen
	openedAt     time.Time

	now func() time.Time
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = DefaultConfig().HalfOpenMaxProbes
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a new attempt is permitted. While Open it returns
// false until the cool-down elapses, at which point the breaker moves to
// HalfOpen and grants up to HalfOpenMaxProbes trial attempts.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probesIssued = 1
		metrics.BreakerTransitionsTotal.WithLabelValues(b.state.String()).Inc()
		return true
	case StateHalfOpen:
		if b.probesIssued >= b.cfg.HalfOpenMaxProbes {
			return false
		}
		b.probesIssued++
		return true
	default:
		return false
	}
}

// RecordSuccess signals a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		b.probesIssued-- // probe slot completed, free it
		if b.probesIssued < 0 {
			b.probesIssued = 0
		}
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.probesIssued = 0
			metrics.BreakerTransitionsTotal.WithLabelValues(b.state.String()).Inc()
		}
	}
}

// RecordFailure signals a failed attempt. Any failure while probing re-trips
// the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// trip moves to Open. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probesIssued = 0
	metrics.BreakerTransitionsTotal.WithLabelValues(b.state.String()).Inc()
}

// State returns the current circuit state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RemainingCooldown returns how long until an Open breaker admits probes.
// Zero for any other state.
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.OpenDuration - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
