// Package recovery schedules reconnect attempts with exponential backoff,
// gated by the circuit breaker and admission-controlled by the isolation
// bulkhead. At most one recovery task is in flight per source.
package recovery

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/shepherd/internal/core/domain"
	"github.com/vietddude/shepherd/internal/engine"
	"github.com/vietddude/shepherd/internal/fault/breaker"
	"github.com/vietddude/shepherd/internal/fault/isolation"
)

// Config holds retry behavior.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            float64       `yaml:"jitter"`          // fraction of the delay randomized, e.g. 0.2
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"` // per-attempt bound on the reconnect call
}

// DefaultConfig provides sensible defaults: 2s, 4s, 8s, 16s, 32s capped at 60s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		AttemptTimeout:    15 * time.Second,
	}
}

// Backoff builds the delay sequence for one recovery task. Jitter is applied
// before the cap so the bound holds; jitter desynchronizes retry storms
// across simultaneously failing sources.
func (c Config) Backoff() retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := float64(c.BaseBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt))
		attempt++
		if d > float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64), false
		}
		return time.Duration(d), false
	})
	if c.Jitter > 0 {
		b = retry.WithJitterPercent(uint64(c.Jitter*100), b)
	}
	b = retry.WithCappedDuration(c.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(c.MaxAttempts), b)
	return b
}

// State is the recovery state of a source.
type State int

const (
	StateIdle State = iota
	StatePending
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Status is a snapshot of a source's recovery progress.
type Status struct {
	State       State
	Attempt     int
	NextAttempt time.Time
}

// UpdateKind tags progress updates sent to the controller.
type UpdateKind int

const (
	UpdateScheduled UpdateKind = iota // next attempt scheduled
	UpdateAdmitted                    // isolation slot acquired, attempt starting
	UpdateSucceeded                   // reconnect succeeded
	UpdateFailed                      // attempt failed, more may follow
	UpdateBlocked                     // breaker open, no attempt made
	UpdateExhausted                   // attempt cap reached, source parked
)

// Update is sent over the manager's channel so state mutation stays in the
// controller's single event loop instead of re-entrant callbacks.
type Update struct {
	Kind        UpdateKind
	SourceID    domain.SourceID
	Attempt     int
	Err         error
	NextAttempt time.Time
}

// Reconnector performs one reconnect attempt against the collaborator.
type Reconnector func(ctx context.Context, id domain.SourceID, h engine.Handle) error

type task struct {
	id     domain.SourceID
	handle engine.Handle
	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes cancellation against the collaborator call: once Cancel
	// returns, no new reconnect call can start for this task.
	mu        sync.Mutex
	cancelled bool

	attempt int
	nextAt  time.Time
}

// Manager owns per-source recovery tasks.
type Manager struct {
	cfg       Config
	breakers  *breaker.Manager
	gate      *isolation.Manager
	reconnect Reconnector
	updates   chan Update

	mu        sync.Mutex
	tasks     map[domain.SourceID]*task
	exhausted map[domain.SourceID]bool

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewManager creates a recovery manager.
func NewManager(cfg Config, breakers *breaker.Manager, gate *isolation.Manager, reconnect Reconnector) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Manager{
		cfg:       cfg,
		breakers:  breakers,
		gate:      gate,
		reconnect: reconnect,
		updates:   make(chan Update, 64),
		tasks:     make(map[domain.SourceID]*task),
		exhausted: make(map[domain.SourceID]bool),
		log:       slog.Default().With("component", "recovery"),
	}
}

// Updates is the stream of recovery progress consumed by the controller.
func (m *Manager) Updates() <-chan Update {
	return m.updates
}

// Schedule starts a recovery task for the source. Returns false when a task
// is already in flight or the source is exhausted awaiting operator action.
func (m *Manager) Schedule(id domain.SourceID, h engine.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tasks[id] != nil {
		return false
	}
	if m.exhausted[id] {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{id: id, handle: h, ctx: ctx, cancel: cancel}
	m.tasks[id] = t

	m.wg.Add(1)
	go m.run(t)
	return true
}

// Cancel stops any in-flight recovery for the source. After Cancel returns,
// no new reconnect call will be issued for the id; an attempt already inside
// the collaborator is unblocked via context cancellation and awaited.
func (m *Manager) Cancel(id domain.SourceID) {
	m.mu.Lock()
	t := m.tasks[id]
	delete(m.exhausted, id)
	m.mu.Unlock()

	if t == nil {
		return
	}
	t.cancel()
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Reset clears exhaustion so an operator restart can schedule fresh attempts.
func (m *Manager) Reset(id domain.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exhausted, id)
}

// Status reports the source's recovery state.
func (m *Manager) Status(id domain.SourceID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exhausted[id] {
		return Status{State: StateExhausted}
	}
	if t := m.tasks[id]; t != nil {
		t.mu.Lock()
		s := Status{State: StatePending, Attempt: t.attempt, NextAttempt: t.nextAt}
		t.mu.Unlock()
		return s
	}
	return Status{State: StateIdle}
}

// InFlight reports whether a recovery task exists for the source.
func (m *Manager) InFlight(id domain.SourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id] != nil
}

// Wait blocks until all recovery tasks have exited. Used during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(t *task) {
	defer func() {
		m.mu.Lock()
		if m.tasks[t.id] == t {
			delete(m.tasks, t.id)
		}
		m.mu.Unlock()
		t.cancel()
		m.wg.Done()
	}()

	b := m.cfg.Backoff()

	for attempt := 1; ; attempt++ {
		delay, stop := b.Next()
		if stop {
			m.mu.Lock()
			m.exhausted[t.id] = true
			m.mu.Unlock()
			m.send(t, Update{Kind: UpdateExhausted, SourceID: t.id, Attempt: attempt - 1})
			return
		}

		nextAt := time.Now().Add(delay)
		t.mu.Lock()
		t.attempt = attempt
		t.nextAt = nextAt
		t.mu.Unlock()
		m.send(t, Update{Kind: UpdateScheduled, SourceID: t.id, Attempt: attempt, NextAttempt: nextAt})

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		if !m.breakers.Allow(t.id) {
			m.send(t, Update{Kind: UpdateBlocked, SourceID: t.id, Attempt: attempt})
			return
		}

		// FIFO admission against the global recovery ceiling.
		if err := m.gate.Acquire(t.ctx); err != nil {
			return
		}
		m.send(t, Update{Kind: UpdateAdmitted, SourceID: t.id, Attempt: attempt})

		err := m.attempt(t)
		m.gate.Release()

		if t.ctx.Err() != nil {
			return
		}
		if err == nil {
			m.breakers.RecordSuccess(t.id)
			m.send(t, Update{Kind: UpdateSucceeded, SourceID: t.id, Attempt: attempt})
			return
		}

		m.breakers.RecordFailure(t.id)
		m.send(t, Update{Kind: UpdateFailed, SourceID: t.id, Attempt: attempt, Err: err})
	}
}

// attempt invokes the collaborator under t.mu so Cancel can fence out any
// new call, and under the per-attempt timeout.
func (m *Manager) attempt(t *task) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return t.ctx.Err()
	}

	ctx, cancel := context.WithTimeout(t.ctx, m.cfg.AttemptTimeout)
	defer cancel()

	return m.reconnect(ctx, t.id, t.handle)
}

func (m *Manager) send(t *task, u Update) {
	select {
	case m.updates <- u:
	case <-t.ctx.Done():
		// Cancelled mid-send; the controller no longer cares.
	}
}
