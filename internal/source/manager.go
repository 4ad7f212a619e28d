// Package source owns the source registry: the single-writer authority for
// lifecycle transitions and the sole emitter of source events.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/shepherd/internal/core/domain"
	"github.com/vietddude/shepherd/internal/engine"
	"github.com/vietddude/shepherd/internal/metrics"
)

// Config holds registry settings.
type Config struct {
	MaxSources     int           `yaml:"max_sources"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSources:     64,
		ConnectTimeout: 10 * time.Second,
	}
}

var allowedSchemes = map[string]bool{
	"rtsp":  true,
	"rtmp":  true,
	"http":  true,
	"https": true,
	"file":  true,
	"grpc":  true,
	"grpcs": true,
}

type entry struct {
	info       domain.SourceInfo
	handle     engine.Handle
	eosPending bool
}

// Target pairs a source id with its engine handle for probing.
type Target struct {
	ID     domain.SourceID
	Handle engine.Handle
}

// Manager is the registry. All mutation is serialized through its lock;
// listings are served from copied snapshots without blocking writers.
type Manager struct {
	cfg    Config
	engine engine.Engine
	hub    *Hub

	mu      sync.RWMutex
	nextID  domain.SourceID
	sources map[domain.SourceID]*entry
	order   []domain.SourceID

	// onConnectError receives failures from the async connect path. Set
	// once at wiring time, before any source is added.
	onConnectError func(id domain.SourceID, err error)

	log *slog.Logger
}

// NewManager creates the source registry.
func NewManager(cfg Config, eng engine.Engine, hub *Hub) *Manager {
	def := DefaultConfig()
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = def.MaxSources
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	return &Manager{
		cfg:     cfg,
		engine:  eng,
		hub:     hub,
		nextID:  1,
		sources: make(map[domain.SourceID]*entry),
		log:     slog.Default().With("component", "source"),
	}
}

// SetConnectErrorHandler routes async connect failures, typically into the
// controller's failure path.
func (m *Manager) SetConnectErrorHandler(fn func(domain.SourceID, error)) {
	m.onConnectError = fn
}

// AddSource registers a new source and asynchronously drives it through
// Connecting to Playing. IDs are assigned monotonically and never reused.
func (m *Manager) AddSource(ctx context.Context, uri string) (domain.SourceID, error) {
	if err := validateURI(uri); err != nil {
		return 0, err
	}

	m.mu.Lock()
	if len(m.sources) >= m.cfg.MaxSources {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %d sources", domain.ErrResourceLimit, m.cfg.MaxSources)
	}

	id := m.nextID
	m.nextID++
	m.sources[id] = &entry{
		info: domain.SourceInfo{
			ID:        id,
			URI:       uri,
			State:     domain.StateAdded,
			CreatedAt: time.Now(),
		},
	}
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.log.Info("Source added", "id", id, "uri", uri)
	m.emit(domain.SourceEvent{Type: domain.EventSourceAdded, SourceID: id, URI: uri, NewState: domain.StateAdded})
	m.updateStateGauges()

	// The caller's context scopes registration only. The connect runs under
	// its own ConnectTimeout, so a request-scoped caller cancelling after
	// AddSource returns must not abort the Connecting phase.
	go m.connect(context.WithoutCancel(ctx), id, uri)
	return id, nil
}

// connect advances Added -> Connecting -> Playing, or into Error on failure.
func (m *Manager) connect(ctx context.Context, id domain.SourceID, uri string) {
	if err := m.Transition(id, domain.StateConnecting); err != nil {
		return // removed before connect started
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	h, err := m.engine.Connect(cctx, uri)
	if err != nil {
		m.log.Warn("Connect failed", "id", id, "uri", uri, "error", err)
		if m.onConnectError != nil {
			m.onConnectError(id, err)
		}
		return
	}

	m.mu.Lock()
	e := m.sources[id]
	if e == nil {
		// Removed while connecting; release the fresh handle.
		m.mu.Unlock()
		_ = m.engine.Disconnect(context.Background(), h)
		return
	}
	e.handle = h
	m.mu.Unlock()

	_ = m.Transition(id, domain.StatePlaying)
}

// Transition moves the source along the lifecycle graph and emits the
// state-change event. Illegal moves are rejected.
func (m *Manager) Transition(id domain.SourceID, to domain.SourceState) error {
	m.mu.Lock()
	e := m.sources[id]
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", domain.ErrNotFound, id)
	}
	from := e.info.State
	if !domain.CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s for source %d", from, to, id)
	}
	e.info.State = to
	uri := e.info.URI
	m.mu.Unlock()

	m.emit(domain.SourceEvent{Type: domain.EventStateChanged, SourceID: id, URI: uri, OldState: from, NewState: to})
	m.updateStateGauges()
	return nil
}

// SetError records a classified failure and transitions the source to Error.
// A source already in Error only refreshes its last error.
func (m *Manager) SetError(id domain.SourceID, cause error, cls domain.Classification) error {
	m.mu.Lock()
	e := m.sources[id]
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", domain.ErrNotFound, id)
	}
	e.info.LastError = cause.Error()
	from := e.info.State
	if from == domain.StateError {
		m.mu.Unlock()
		return nil
	}
	if !domain.CanTransition(from, domain.StateError) {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> error for source %d", from, id)
	}
	e.info.State = domain.StateError
	uri := e.info.URI
	m.mu.Unlock()

	m.emit(domain.SourceEvent{
		Type:           domain.EventSourceError,
		SourceID:       id,
		URI:            uri,
		OldState:       from,
		NewState:       domain.StateError,
		Classification: &cls,
		Error:          cause.Error(),
	})
	metrics.SourceFailuresTotal.WithLabelValues(string(cls.Category)).Inc()
	m.updateStateGauges()
	return nil
}

// RemoveSource evicts the source and releases its engine resources. The id
// is never reused.
func (m *Manager) RemoveSource(ctx context.Context, id domain.SourceID) error {
	ev, h, err := m.evict(id, domain.EventSourceRemoved)
	if err != nil {
		return err
	}

	if h != nil {
		if derr := m.engine.Disconnect(ctx, h); derr != nil {
			m.log.Warn("Disconnect failed", "id", id, "error", derr)
		}
	}

	m.log.Info("Source removed", "id", id, "uri", ev.URI)
	m.emit(ev)
	m.updateStateGauges()
	return nil
}

// evict transitions to Removed and drops the entry under one lock hold.
func (m *Manager) evict(id domain.SourceID, evType domain.EventType) (domain.SourceEvent, engine.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.sources[id]
	if e == nil {
		return domain.SourceEvent{}, nil, fmt.Errorf("%w: id %d", domain.ErrNotFound, id)
	}

	from := e.info.State
	delete(m.sources, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return domain.SourceEvent{
		Type:     evType,
		SourceID: id,
		URI:      e.info.URI,
		OldState: from,
		NewState: domain.StateRemoved,
	}, e.handle, nil
}

// MarkEOS flags the source as ended normally; the next HandleEOSSources
// sweep removes it.
func (m *Manager) MarkEOS(id domain.SourceID) {
	m.mu.Lock()
	e := m.sources[id]
	if e == nil || e.eosPending {
		m.mu.Unlock()
		return
	}
	e.eosPending = true
	uri := e.info.URI
	state := e.info.State
	m.mu.Unlock()

	m.log.Info("Source reached end of stream", "id", id)
	m.emit(domain.SourceEvent{Type: domain.EventSourceEOS, SourceID: id, URI: uri, OldState: state, NewState: state})
}

// HandleEOSSources removes all sources whose stream ended normally and
// returns their ids.
func (m *Manager) HandleEOSSources(ctx context.Context) []domain.SourceID {
	m.mu.RLock()
	var pending []domain.SourceID
	for id, e := range m.sources {
		if e.eosPending {
			pending = append(pending, id)
		}
	}
	m.mu.RUnlock()

	var removed []domain.SourceID
	for _, id := range pending {
		ev, h, err := m.evict(id, domain.EventSourceRemoved)
		if err != nil {
			continue
		}
		if h != nil {
			_ = m.engine.Disconnect(ctx, h)
		}
		m.emit(ev)
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		m.updateStateGauges()
	}
	return removed
}

// ListActiveSources returns a consistent snapshot ordered by id. Removed
// sources never appear.
func (m *Manager) ListActiveSources() []domain.SourceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.SourceInfo, 0, len(m.order))
	for _, id := range m.order {
		if e := m.sources[id]; e != nil {
			out = append(out, e.info)
		}
	}
	return out
}

// Get returns a snapshot of one source.
func (m *Manager) Get(id domain.SourceID) (domain.SourceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.sources[id]
	if e == nil {
		return domain.SourceInfo{}, fmt.Errorf("%w: id %d", domain.ErrNotFound, id)
	}
	return e.info, nil
}

// Handle returns the source's engine handle, which may be nil before the
// first successful connect.
func (m *Manager) Handle(id domain.SourceID) (engine.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.sources[id]
	if e == nil {
		return nil, fmt.Errorf("%w: id %d", domain.ErrNotFound, id)
	}
	return e.handle, nil
}

// AttachHandle stores a fresh handle after a connect-path recovery.
func (m *Manager) AttachHandle(id domain.SourceID, h engine.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.sources[id]; e != nil {
		e.handle = h
	}
}

// ProbeTargets returns the sources eligible for liveness probing: anything
// holding a handle that is not awaiting EOS sweep.
func (m *Manager) ProbeTargets() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Target, 0, len(m.order))
	for _, id := range m.order {
		e := m.sources[id]
		if e == nil || e.handle == nil || e.eosPending {
			continue
		}
		switch e.info.State {
		case domain.StatePlaying, domain.StatePaused:
			out = append(out, Target{ID: id, Handle: e.handle})
		}
	}
	return out
}

// RegisteredIDs returns every live source id, ordered, regardless of state.
// Unlike ProbeTargets it includes sources parked in error or still connecting.
func (m *Manager) RegisteredIDs() []domain.SourceID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.SourceID(nil), m.order...)
}

// Announce emits an event about the source outside the normal transition
// path, such as quarantine or recovery exhaustion.
func (m *Manager) Announce(evType domain.EventType, id domain.SourceID, cause string) {
	m.mu.RLock()
	e := m.sources[id]
	if e == nil {
		m.mu.RUnlock()
		return
	}
	uri := e.info.URI
	state := e.info.State
	m.mu.RUnlock()

	m.emit(domain.SourceEvent{
		Type:     evType,
		SourceID: id,
		URI:      uri,
		OldState: state,
		NewState: state,
		Error:    cause,
	})
}

// Pause suspends delivery for a playing source.
func (m *Manager) Pause(id domain.SourceID) error {
	return m.Transition(id, domain.StatePaused)
}

// Resume returns a paused source to playing.
func (m *Manager) Resume(id domain.SourceID) error {
	return m.Transition(id, domain.StatePlaying)
}

// Count returns the number of registered sources.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

func (m *Manager) emit(ev domain.SourceEvent) {
	ev.ID = uuid.New().String()
	ev.EmittedAt = time.Now()
	m.hub.Publish(ev)
}

func (m *Manager) updateStateGauges() {
	counts := make(map[domain.SourceState]int)
	m.mu.RLock()
	for _, e := range m.sources {
		counts[e.info.State]++
	}
	m.mu.RUnlock()

	for _, s := range []domain.SourceState{
		domain.StateAdded, domain.StateConnecting, domain.StatePlaying,
		domain.StatePaused, domain.StateError, domain.StateRecovering,
	} {
		metrics.SourcesByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func validateURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("%w: empty uri", domain.ErrInvalidInput)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !allowedSchemes[u.Scheme] {
		return fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidInput, u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", domain.ErrInvalidInput, uri)
	}
	return nil
}
