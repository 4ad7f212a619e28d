package breaker

import (
	"sync"
	"time"

	"github.com/vietddude/shepherd/internal/core/domain"
)

// Manager keeps one breaker per source, created lazily on first failure and
// retained for the source's lifetime.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[domain.SourceID]*Breaker
}

// NewManager creates a breaker registry with a shared config.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: make(map[domain.SourceID]*Breaker),
	}
}

// Allow reports whether an attempt is permitted for the source. A source
// without a breaker has never failed and is always allowed.
func (m *Manager) Allow(id domain.SourceID) bool {
	m.mu.RLock()
	b := m.breakers[id]
	m.mu.RUnlock()

	if b == nil {
		return true
	}
	return b.Allow()
}

// RecordFailure signals a failed attempt, creating the breaker if needed.
func (m *Manager) RecordFailure(id domain.SourceID) {
	m.get(id).RecordFailure()
}

// RecordSuccess signals a successful attempt. A source without a breaker has
// nothing to record.
func (m *Manager) RecordSuccess(id domain.SourceID) {
	m.mu.RLock()
	b := m.breakers[id]
	m.mu.RUnlock()

	if b != nil {
		b.RecordSuccess()
	}
}

// State returns the circuit state for the source; Closed when no breaker
// exists yet.
func (m *Manager) State(id domain.SourceID) State {
	m.mu.RLock()
	b := m.breakers[id]
	m.mu.RUnlock()

	if b == nil {
		return StateClosed
	}
	return b.State()
}

// RemainingCooldown returns the time until the source's breaker admits
// probes again. Zero when the breaker is not Open.
func (m *Manager) RemainingCooldown(id domain.SourceID) time.Duration {
	m.mu.RLock()
	b := m.breakers[id]
	m.mu.RUnlock()

	if b == nil {
		return 0
	}
	return b.RemainingCooldown()
}

// Remove drops the breaker when its source is removed.
func (m *Manager) Remove(id domain.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, id)
}

// States returns a snapshot of all breaker states.
func (m *Manager) States() map[domain.SourceID]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[domain.SourceID]State, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.State()
	}
	return out
}

func (m *Manager) get(id domain.SourceID) *Breaker {
	m.mu.RLock()
	b := m.breakers[id]
	m.mu.RUnlock()
	if b != nil {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b = m.breakers[id]; b == nil {
		b = New(m.cfg)
		m.breakers[id] = b
	}
	return b
}
