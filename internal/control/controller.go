// Package control wires the fault-tolerance components into one facade and
// runs the event loop that owns all lifecycle decisions.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/shepherd/internal/core/domain"
	"github.com/vietddude/shepherd/internal/engine"
	"github.com/vietddude/shepherd/internal/fault/breaker"
	"github.com/vietddude/shepherd/internal/fault/classifier"
	"github.com/vietddude/shepherd/internal/fault/health"
	"github.com/vietddude/shepherd/internal/fault/isolation"
	"github.com/vietddude/shepherd/internal/fault/recovery"
	"github.com/vietddude/shepherd/internal/infra/journal"
	journalmem "github.com/vietddude/shepherd/internal/infra/journal/memory"
	journalpg "github.com/vietddude/shepherd/internal/infra/journal/postgres"
	redisclient "github.com/vietddude/shepherd/internal/infra/redis"
	"github.com/vietddude/shepherd/internal/metrics"
	"github.com/vietddude/shepherd/internal/source"
	"github.com/vietddude/shepherd/internal/worker"
)

// errRestartRequested drives an operator-forced reconnect through the normal
// failure path.
var errRestartRequested = errors.New("restart requested by operator")

// Config holds the application configuration.
type Config struct {
	Port                int
	Sources             source.Config
	Breaker             breaker.Config
	Recovery            recovery.Config
	Health              health.Config
	Isolation           isolation.Config
	Redis               redisclient.Config
	Database            journalpg.Config
	JournalCapacity     int
	JournalRetention    time.Duration
	RestartQueueEnabled bool // CLI flag
}

type failure struct {
	id  domain.SourceID
	err error
}

// Controller is the main application struct that manages the source
// lifecycle and fault handling.
type Controller struct {
	cfg Config
	eng engine.Engine

	hub      *source.Hub
	sources  *source.Manager
	breakers *breaker.Manager
	gate     *isolation.Manager
	recovery *recovery.Manager

	healthMon    *health.Monitor
	healthServer *health.Server

	journal       journal.Journal
	redisClient   *redisclient.Client
	restartWorker *worker.RestartWorker

	failures chan failure
	eos      chan domain.SourceID
	resumes  chan domain.SourceID

	// cooldownWakes holds one timer per source parked behind an open
	// breaker, firing when the cool-down next admits a probe.
	wakeMu        sync.Mutex
	cooldownWakes map[domain.SourceID]*time.Timer

	log *slog.Logger
}

// NewController creates a controller with all dependencies initialized.
func NewController(cfg Config, eng engine.Engine) (*Controller, error) {
	c := &Controller{
		cfg:      cfg,
		eng:      eng,
		failures:      make(chan failure, 256),
		eos:           make(chan domain.SourceID, 64),
		resumes:       make(chan domain.SourceID, 64),
		cooldownWakes: make(map[domain.SourceID]*time.Timer),
		log:           slog.Default().With("component", "control"),
	}

	// 1. Initialize the event hub and source registry
	c.hub = source.NewHub(256)
	c.sources = source.NewManager(cfg.Sources, eng, c.hub)
	c.sources.SetConnectErrorHandler(c.enqueueFailure)

	// 2. Initialize fault components
	c.breakers = breaker.NewManager(cfg.Breaker)
	c.gate = isolation.NewManager(cfg.Isolation)
	c.recovery = recovery.NewManager(cfg.Recovery, c.breakers, c.gate, c.reconnect)

	// 3. Initialize health monitoring
	c.healthMon = health.NewMonitor(cfg.Health, eng, targetAdapter{c.sources}, c.enqueueFailure, c.enqueueEOS)
	c.healthServer = health.NewServer(c, cfg.Port)

	// 4. Initialize the event journal
	if cfg.Database.URL != "" {
		j, err := journalpg.NewJournal(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init journal: %w", err)
		}
		c.journal = j
		slog.Info("Using PostgreSQL journal")
	} else {
		c.journal = journalmem.NewJournal(cfg.JournalCapacity)
		slog.Info("Using memory journal")
	}

	// 5. Initialize Redis and the restart worker
	if cfg.Redis.URL != "" && cfg.RestartQueueEnabled {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, restart queue disabled", "error", err)
		} else {
			c.redisClient = rc
			c.restartWorker = worker.NewRestartWorker(worker.DefaultRestartConfig(), rc, c)
			slog.Info("Restart worker initialized")
		}
	}

	return c, nil
}

// Start starts the controller and all its components.
func (c *Controller) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := c.healthServer.Start(); err != nil {
			c.log.Error("Health server failed", "error", err)
		}
	}()

	// Start Health Monitor
	go c.healthMon.Start(ctx)

	// Start Journal Writer and Pruner
	go c.runJournalWriter(ctx)
	if c.cfg.JournalRetention > 0 {
		go worker.NewPruner(c.cfg.JournalRetention, c.journal).Start(ctx)
	}

	// Start Restart Worker
	if c.restartWorker != nil {
		go func() {
			if err := c.restartWorker.Run(ctx); err != nil {
				c.log.Error("Restart worker failed", "error", err)
			}
		}()
	}

	// Start Event Loop
	go c.runLoop(ctx)

	return nil
}

// Stop stops the controller.
func (c *Controller) Stop(ctx context.Context) error {
	c.log.Info("Stopping controller...")

	// Stop in-flight recoveries and wait for them to exit
	for _, info := range c.sources.ListActiveSources() {
		c.recovery.Cancel(info.ID)
	}
	c.recovery.Wait()

	c.wakeMu.Lock()
	for id, t := range c.cooldownWakes {
		t.Stop()
		delete(c.cooldownWakes, id)
	}
	c.wakeMu.Unlock()

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := c.journal.Close(); err != nil {
		c.log.Warn("Failed to close journal", "error", err)
	}

	return c.healthServer.Stop(ctx)
}

// ============================================================================
// Public API
// ============================================================================

// AddSource registers a new source by URI.
func (c *Controller) AddSource(ctx context.Context, uri string) (domain.SourceID, error) {
	return c.sources.AddSource(ctx, uri)
}

// RemoveSource tears a source down. Any in-flight recovery is cancelled
// before fault state is dropped, so no reconnect is observed after return.
func (c *Controller) RemoveSource(ctx context.Context, id domain.SourceID) error {
	c.recovery.Cancel(id)
	c.dropCooldownWake(id)
	c.gate.Remove(id)
	c.breakers.Remove(id)
	return c.sources.RemoveSource(ctx, id)
}

// ListActiveSources returns a snapshot of all live sources ordered by id.
func (c *Controller) ListActiveSources() []domain.SourceInfo {
	return c.sources.ListActiveSources()
}

// GetSource returns a snapshot of one source.
func (c *Controller) GetSource(id domain.SourceID) (domain.SourceInfo, error) {
	return c.sources.Get(id)
}

// Pause suspends a playing source.
func (c *Controller) Pause(id domain.SourceID) error {
	return c.sources.Pause(id)
}

// Resume returns a paused source to playing.
func (c *Controller) Resume(id domain.SourceID) error {
	return c.sources.Resume(id)
}

// HandleEOSSources removes every source whose stream ended normally and
// returns their ids. End of stream is terminal and never enters recovery.
func (c *Controller) HandleEOSSources(ctx context.Context) []domain.SourceID {
	removed := c.sources.HandleEOSSources(ctx)
	for _, id := range removed {
		c.recovery.Cancel(id)
		c.dropCooldownWake(id)
		c.gate.Remove(id)
		c.breakers.Remove(id)
	}
	return removed
}

// ReportError feeds an externally observed failure into the fault pipeline.
func (c *Controller) ReportError(id domain.SourceID, err error) {
	c.enqueueFailure(id, err)
}

// RestartSource clears exhaustion, quarantine and breaker history for the
// source and forces a fresh recovery cycle.
func (c *Controller) RestartSource(ctx context.Context, id domain.SourceID) error {
	if _, err := c.sources.Get(id); err != nil {
		return err
	}

	c.recovery.Cancel(id)
	c.recovery.Reset(id)
	c.dropCooldownWake(id)
	c.breakers.Remove(id)
	if c.gate.ReleaseQuarantine(id) {
		metrics.QuarantinedSources.Set(float64(len(c.gate.Quarantined())))
	}

	c.log.Info("Source restart forced", "id", id)
	c.enqueueFailure(id, errRestartRequested)
	return nil
}

// ReleaseQuarantine lifts quarantine and, if the source is parked in error,
// schedules recovery again.
func (c *Controller) ReleaseQuarantine(id domain.SourceID) error {
	info, err := c.sources.Get(id)
	if err != nil {
		return err
	}
	if !c.gate.ReleaseQuarantine(id) {
		return fmt.Errorf("source %d is not quarantined", id)
	}
	metrics.QuarantinedSources.Set(float64(len(c.gate.Quarantined())))
	c.log.Info("Quarantine released", "id", id)

	if info.State == domain.StateError {
		c.enqueueFailure(id, errRestartRequested)
	}
	return nil
}

// Subscribe returns a channel of source events and a cancel function.
func (c *Controller) Subscribe() (<-chan domain.SourceEvent, func()) {
	return c.hub.Subscribe()
}

// Journal exposes the event journal for operator tooling.
func (c *Controller) Journal() journal.Journal {
	return c.journal
}

// HealthReport implements health.Reporter.
func (c *Controller) HealthReport(ctx context.Context) []health.SourceReport {
	infos := c.sources.ListActiveSources()
	statuses := c.healthMon.Statuses()

	out := make([]health.SourceReport, 0, len(infos))
	for _, info := range infos {
		rs := c.recovery.Status(info.ID)
		hs, ok := statuses[info.ID]
		if !ok {
			hs = health.StatusUnknown
		}
		out = append(out, health.SourceReport{
			ID:          uint64(info.ID),
			URI:         info.URI,
			State:       string(info.State),
			Health:      hs,
			Breaker:     c.breakers.State(info.ID).String(),
			Recovery:    rs.State.String(),
			Attempt:     rs.Attempt,
			Quarantined: c.gate.IsQuarantined(info.ID),
			LastError:   info.LastError,
		})
	}
	return out
}

// ============================================================================
// Event loop
// ============================================================================

// runLoop is the single place where failures and recovery progress mutate
// source state. Collaborator callbacks only enqueue; they never mutate.
func (c *Controller) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.failures:
			c.handleFailure(ctx, f.id, f.err)
		case id := <-c.eos:
			c.handleEOS(ctx, id)
		case id := <-c.resumes:
			c.handleResume(id)
		case u := <-c.recovery.Updates():
			c.handleRecoveryUpdate(ctx, u)
		}
	}
}

func (c *Controller) handleFailure(ctx context.Context, id domain.SourceID, cause error) {
	info, err := c.sources.Get(id)
	if err != nil {
		return // removed while the failure was in flight
	}

	cls := classifier.Classify(cause)
	c.log.Warn("Source failure",
		"id", id,
		"uri", info.URI,
		"category", cls.Category,
		"severity", cls.Severity,
		"error", cause,
	)

	if err := c.sources.SetError(id, cause, cls); err != nil {
		c.log.Warn("Failed to record error state", "id", id, "error", err)
		return
	}
	c.healthMon.MarkUnhealthy(id)

	// The breaker counts failures even while open so the failure history
	// survives an operator peeking at states.
	c.breakers.RecordFailure(id)

	if c.gate.RecordFailure(id) {
		c.quarantine(id, cause)
		return
	}
	if c.gate.IsQuarantined(id) {
		return
	}

	if !classifier.IsRetryable(cls) {
		c.log.Warn("Error is not retryable, source parked", "id", id, "category", cls.Category)
		return
	}

	c.schedule(id)
}

func (c *Controller) handleEOS(ctx context.Context, id domain.SourceID) {
	// End of stream wins over any pending recovery.
	c.recovery.Cancel(id)
	c.sources.MarkEOS(id)
	c.HandleEOSSources(ctx)
}

func (c *Controller) handleRecoveryUpdate(ctx context.Context, u recovery.Update) {
	switch u.Kind {
	case recovery.UpdateScheduled:
		c.log.Info("Recovery scheduled", "id", u.SourceID, "attempt", u.Attempt, "next", u.NextAttempt)

	case recovery.UpdateAdmitted:
		if err := c.sources.Transition(u.SourceID, domain.StateRecovering); err != nil {
			c.log.Warn("Failed to enter recovering", "id", u.SourceID, "error", err)
		}

	case recovery.UpdateSucceeded:
		metrics.RecoveryAttemptsTotal.WithLabelValues("success").Inc()
		if err := c.sources.Transition(u.SourceID, domain.StatePlaying); err != nil {
			c.log.Warn("Failed to return to playing", "id", u.SourceID, "error", err)
			return
		}
		c.healthMon.MarkUnknown(u.SourceID)
		c.log.Info("Source recovered", "id", u.SourceID, "attempt", u.Attempt)

	case recovery.UpdateFailed:
		metrics.RecoveryAttemptsTotal.WithLabelValues("failure").Inc()
		// Back to error while the next attempt waits out its backoff.
		if err := c.sources.Transition(u.SourceID, domain.StateError); err != nil {
			c.log.Warn("Failed to return to error", "id", u.SourceID, "error", err)
		}
		if c.gate.RecordFailure(u.SourceID) {
			c.recovery.Cancel(u.SourceID)
			c.quarantine(u.SourceID, u.Err)
		}

	case recovery.UpdateBlocked:
		metrics.RecoveryAttemptsTotal.WithLabelValues("blocked").Inc()
		c.log.Info("Recovery blocked by open breaker",
			"id", u.SourceID,
			"cooldown", c.breakers.RemainingCooldown(u.SourceID),
		)
		// The blocked task has exited; arm a wake so recovery resumes on
		// its own once the cool-down elapses.
		c.armCooldownWake(u.SourceID)

	case recovery.UpdateExhausted:
		metrics.RecoveryExhaustedTotal.Inc()
		c.healthMon.MarkUnhealthy(u.SourceID)
		cause := ""
		if u.Err != nil {
			cause = u.Err.Error()
		}
		c.sources.Announce(domain.EventRecoveryExhausted, u.SourceID, cause)
		c.log.Error("Recovery exhausted, operator action required", "id", u.SourceID, "attempts", u.Attempt)
	}
}

// handleResume reschedules recovery for a source whose breaker cool-down has
// elapsed. A fresh failure may have re-tripped the breaker in the meantime;
// the resulting blocked update simply re-arms the wake.
func (c *Controller) handleResume(id domain.SourceID) {
	info, err := c.sources.Get(id)
	if err != nil {
		return // removed while the wake was pending
	}
	if info.State != domain.StateError {
		return
	}
	if c.gate.IsQuarantined(id) {
		return
	}
	c.schedule(id)
}

func (c *Controller) schedule(id domain.SourceID) {
	h, err := c.sources.Handle(id)
	if err != nil {
		return
	}
	if !c.recovery.Schedule(id, h) {
		c.log.Debug("Recovery already in flight or exhausted", "id", id)
	}
}

func (c *Controller) quarantine(id domain.SourceID, cause error) {
	metrics.QuarantinedSources.Set(float64(len(c.gate.Quarantined())))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	c.sources.Announce(domain.EventSourceQuarantined, id, msg)
	c.log.Error("Source quarantined", "id", id, "error", msg)
}

// reconnect is the recovery manager's collaborator call. A source that never
// connected gets a fresh connect; an established one is reconnected in place.
func (c *Controller) reconnect(ctx context.Context, id domain.SourceID, h engine.Handle) error {
	if h == nil {
		info, err := c.sources.Get(id)
		if err != nil {
			return err
		}
		nh, err := c.eng.Connect(ctx, info.URI)
		if err != nil {
			return err
		}
		c.sources.AttachHandle(id, nh)
		return nil
	}
	return c.eng.Reconnect(ctx, h)
}

// ============================================================================
// Collaborator plumbing
// ============================================================================

func (c *Controller) enqueueFailure(id domain.SourceID, err error) {
	select {
	case c.failures <- failure{id: id, err: err}:
	default:
		c.log.Warn("Failure queue full, dropping", "id", id, "error", err)
	}
}

func (c *Controller) enqueueEOS(id domain.SourceID) {
	select {
	case c.eos <- id:
	default:
		c.log.Warn("EOS queue full, dropping", "id", id)
	}
}

func (c *Controller) enqueueResume(id domain.SourceID) {
	select {
	case c.resumes <- id:
	default:
		c.log.Warn("Resume queue full, dropping", "id", id)
	}
}

// armCooldownWake schedules one resume for when the source's open breaker
// next admits probes. Re-arming replaces any earlier timer.
func (c *Controller) armCooldownWake(id domain.SourceID) {
	// A small margin past the cool-down so Allow is certain to pass.
	wait := c.breakers.RemainingCooldown(id) + 20*time.Millisecond

	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	if t := c.cooldownWakes[id]; t != nil {
		t.Stop()
	}
	c.cooldownWakes[id] = time.AfterFunc(wait, func() {
		c.wakeMu.Lock()
		delete(c.cooldownWakes, id)
		c.wakeMu.Unlock()
		c.enqueueResume(id)
	})
}

func (c *Controller) dropCooldownWake(id domain.SourceID) {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	if t := c.cooldownWakes[id]; t != nil {
		t.Stop()
		delete(c.cooldownWakes, id)
	}
}

// runJournalWriter persists every emitted event.
func (c *Controller) runJournalWriter(ctx context.Context) {
	events, cancel := c.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.journal.Append(wctx, ev); err != nil {
				c.log.Warn("Failed to journal event", "type", ev.Type, "error", err)
			}
			wcancel()
		}
	}
}

// targetAdapter exposes the registry's probe targets to the health monitor.
type targetAdapter struct {
	sources *source.Manager
}

func (a targetAdapter) ProbeTargets() []health.Target {
	src := a.sources.ProbeTargets()
	out := make([]health.Target, 0, len(src))
	for _, t := range src {
		out = append(out, health.Target{ID: t.ID, Handle: t.Handle})
	}
	return out
}

func (a targetAdapter) RegisteredIDs() []domain.SourceID {
	return a.sources.RegisteredIDs()
}
