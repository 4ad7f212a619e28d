// Package health runs periodic liveness probing over all active sources and
// derives per-source health status. Silent stalls are synthesized into
// failures so they flow through the same recovery path as explicit errors.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/shepherd/internal/core/domain"
	"github.com/vietddude/shepherd/internal/engine"
	"github.com/vietddude/shepherd/internal/metrics"
)

// Status is the monitor-derived health of a source. Only the monitor writes
// it; the control API never mutates health directly.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Config holds probe policy.
type Config struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`      // period of the probe cycle
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`       // bound on each individual probe
	StaleTimeout       time.Duration `yaml:"stale_timeout"`       // no activity beyond this means degraded
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"` // consecutive unhealthy probes before synthesizing a failure
	MaxParallelProbes  int           `yaml:"max_parallel_probes"` // probe fan-out bound
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:      5 * time.Second,
		ProbeTimeout:       2 * time.Second,
		StaleTimeout:       15 * time.Second,
		UnhealthyThreshold: 3,
		MaxParallelProbes:  8,
	}
}

// Target is one probeable source.
type Target struct {
	ID     domain.SourceID
	Handle engine.Handle
}

// TargetLister supplies the probeable sources each cycle together with the
// full set of registered ids. Statuses are retained for every registered
// source, so a pinned status on an unprobeable one survives the cycle.
type TargetLister interface {
	ProbeTargets() []Target
	RegisteredIDs() []domain.SourceID
}

// Monitor probes sources on a single ticker; each probe is individually
// time-bounded so one slow source never stalls the cycle.
type Monitor struct {
	cfg     Config
	engine  engine.Engine
	targets TargetLister

	// onFailure receives synthesized failures; onEOS receives streams that
	// ended normally. Both are invoked from the probe cycle only.
	onFailure func(id domain.SourceID, err error)
	onEOS     func(id domain.SourceID)

	mu       sync.RWMutex
	statuses map[domain.SourceID]Status
	streaks  map[domain.SourceID]int

	log *slog.Logger
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, eng engine.Engine, targets TargetLister, onFailure func(domain.SourceID, error), onEOS func(domain.SourceID)) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if cfg.MaxParallelProbes <= 0 {
		cfg.MaxParallelProbes = def.MaxParallelProbes
	}
	return &Monitor{
		cfg:       cfg,
		engine:    eng,
		targets:   targets,
		onFailure: onFailure,
		onEOS:     onEOS,
		statuses:  make(map[domain.SourceID]Status),
		streaks:   make(map[domain.SourceID]int),
		log:       slog.Default().With("component", "health"),
	}
}

// Start runs the probe loop until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.log.Info("Health monitor started", "interval", m.cfg.ProbeInterval)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle probes every active source once. Exported so tests can drive
// cycles without the ticker.
func (m *Monitor) RunCycle(ctx context.Context) {
	targets := m.targets.ProbeTargets()

	registered := m.targets.RegisteredIDs()
	live := make(map[domain.SourceID]bool, len(registered))
	for _, id := range registered {
		live[id] = true
	}
	m.prune(live)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallelProbes)

	for _, tg := range targets {
		g.Go(func() error {
			m.probeOne(gctx, tg)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, tg Target) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	liveness, err := m.engine.ProbeLiveness(pctx, tg.Handle)
	metrics.ProbeLatency.Observe(time.Since(start).Seconds())

	if err == nil && liveness.EOS {
		// End of stream is terminal, not a failure.
		if m.onEOS != nil {
			m.onEOS(tg.ID)
		}
		return
	}

	status := m.evaluate(liveness, err)
	m.record(tg.ID, status, err)
}

// evaluate derives status per policy: probe failure or error flag means
// unhealthy, stale activity means degraded, otherwise healthy.
func (m *Monitor) evaluate(liveness engine.Liveness, err error) Status {
	if err != nil {
		return StatusUnhealthy
	}
	if liveness.ErrorFlag {
		return StatusUnhealthy
	}
	if !liveness.LastActivity.IsZero() && time.Since(liveness.LastActivity) > m.cfg.StaleTimeout {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *Monitor) record(id domain.SourceID, status Status, probeErr error) {
	var synthesize error

	m.mu.Lock()
	m.statuses[id] = status
	if status == StatusUnhealthy {
		m.streaks[id]++
		if m.streaks[id] >= m.cfg.UnhealthyThreshold {
			m.streaks[id] = 0
			switch {
			case probeErr == nil:
				synthesize = domain.ErrSourceStalled
			case errors.Is(probeErr, context.DeadlineExceeded):
				synthesize = fmt.Errorf("%w: %v", domain.ErrProbeTimeout, probeErr)
			default:
				synthesize = probeErr
			}
		}
	} else {
		m.streaks[id] = 0
	}
	m.mu.Unlock()

	if synthesize != nil && m.onFailure != nil {
		m.log.Warn("Synthesizing failure from unhealthy streak", "source", id, "error", synthesize)
		m.onFailure(id, synthesize)
	}
}

// MarkUnknown resets the source's health, e.g. right after (re)connect.
func (m *Monitor) MarkUnknown(id domain.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = StatusUnknown
	m.streaks[id] = 0
}

// MarkUnhealthy pins the source unhealthy, e.g. when recovery is exhausted.
func (m *Monitor) MarkUnhealthy(id domain.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = StatusUnhealthy
}

// Status returns the monitor-derived health for the source.
func (m *Monitor) Status(id domain.SourceID) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.statuses[id]; ok {
		return s
	}
	return StatusUnknown
}

// Statuses returns a snapshot of all source healths.
func (m *Monitor) Statuses() map[domain.SourceID]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[domain.SourceID]Status, len(m.statuses))
	for id, s := range m.statuses {
		out[id] = s
	}
	return out
}

// prune drops statuses for sources no longer registered.
func (m *Monitor) prune(live map[domain.SourceID]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.statuses {
		if !live[id] {
			delete(m.statuses, id)
			delete(m.streaks, id)
		}
	}
}
