// Package isolation implements the bulkhead: a global ceiling on concurrent
// recovery attempts plus quarantine for chronically failing sources, so one
// bad stream cannot exhaust recovery capacity or drag down the rest.
package isolation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/shepherd/internal/core/domain"
)

// Config holds bulkhead policy.
type Config struct {
	MaxConcurrentRecoveries int64         `yaml:"max_concurrent_recoveries"` // global ceiling on in-flight recovery attempts
	QuarantineThreshold     int           `yaml:"quarantine_threshold"`      // failures within the window before quarantine
	QuarantineWindow        time.Duration `yaml:"quarantine_window"`         // sliding window for failure counting
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRecoveries: 4,
		QuarantineThreshold:     10,
		QuarantineWindow:        5 * time.Minute,
	}
}

// Manager enforces the bulkhead policy. Admission waiters queue in FIFO
// order on the semaphore rather than being dropped.
type Manager struct {
	cfg Config
	sem *semaphore.Weighted

	mu          sync.Mutex
	failures    map[domain.SourceID][]time.Time
	quarantined map[domain.SourceID]time.Time

	now func() time.Time
}

// NewManager creates an isolation manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxConcurrentRecoveries <= 0 {
		cfg.MaxConcurrentRecoveries = DefaultConfig().MaxConcurrentRecoveries
	}
	if cfg.QuarantineThreshold <= 0 {
		cfg.QuarantineThreshold = DefaultConfig().QuarantineThreshold
	}
	if cfg.QuarantineWindow <= 0 {
		cfg.QuarantineWindow = DefaultConfig().QuarantineWindow
	}
	return &Manager{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentRecoveries),
		failures:    make(map[domain.SourceID][]time.Time),
		quarantined: make(map[domain.SourceID]time.Time),
		now:         time.Now,
	}
}

// Acquire blocks until a recovery slot is free or ctx is done. Admission is
// FIFO: excess requests queue instead of failing.
func (m *Manager) Acquire(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// Release frees a recovery slot.
func (m *Manager) Release() {
	m.sem.Release(1)
}

// TryAcquire grabs a slot without queuing. Used for introspection in tests.
func (m *Manager) TryAcquire() bool {
	return m.sem.TryAcquire(1)
}

// RecordFailure adds a failure to the source's sliding window. Returns true
// when the source just crossed the quarantine threshold.
func (m *Manager) RecordFailure(id domain.SourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.cfg.QuarantineWindow)

	window := append(m.failures[id], now)
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	m.failures[id] = pruned

	if _, ok := m.quarantined[id]; ok {
		return false
	}
	if len(pruned) > m.cfg.QuarantineThreshold {
		m.quarantined[id] = now
		return true
	}
	return false
}

// IsQuarantined reports whether the source is excluded from automatic
// recovery.
func (m *Manager) IsQuarantined(id domain.SourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.quarantined[id]
	return ok
}

// ReleaseQuarantine lifts quarantine and clears the failure window. This is
// the explicit operator intervention; nothing releases quarantine
// automatically. Returns false for a source that was not quarantined.
func (m *Manager) ReleaseQuarantine(id domain.SourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.quarantined[id]; !ok {
		return false
	}
	delete(m.quarantined, id)
	delete(m.failures, id)
	return true
}

// Remove forgets all isolation state for a removed source.
func (m *Manager) Remove(id domain.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quarantined, id)
	delete(m.failures, id)
}

// Quarantined returns the ids currently in quarantine.
func (m *Manager) Quarantined() []domain.SourceID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.SourceID, 0, len(m.quarantined))
	for id := range m.quarantined {
		out = append(out, id)
	}
	return out
}
