// Package sim provides a deterministic in-process pipeline engine used by
// tests and the demo. Failures are injected per URI so individual sources can
// be made to fail while others keep playing.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/shepherd/internal/engine"
)

type handle struct {
	uri string
}

func (h *handle) URI() string { return h.uri }

type stream struct {
	connected    bool
	lastActivity time.Time
	errorFlag    bool
	eos          bool
}

// Engine is a simulated pipeline backend.
type Engine struct {
	mu sync.Mutex

	streams map[string]*stream

	connectErrs   map[string]error
	probeErrs     map[string]error
	probeDelay    map[string]time.Duration
	reconnectErrs map[string][]error // consumed front-to-back; empty means success

	connectCalls   map[string]int
	reconnectCalls map[string]int
	probeCalls     map[string]int

	now func() time.Time
}

// New creates a simulated engine.
func New() *Engine {
	return &Engine{
		streams:        make(map[string]*stream),
		connectErrs:    make(map[string]error),
		probeErrs:      make(map[string]error),
		probeDelay:     make(map[string]time.Duration),
		reconnectErrs:  make(map[string][]error),
		connectCalls:   make(map[string]int),
		reconnectCalls: make(map[string]int),
		probeCalls:     make(map[string]int),
		now:            time.Now,
	}
}

// Connect attaches a stream, honoring any scripted connect error.
func (e *Engine) Connect(ctx context.Context, uri string) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.connectCalls[uri]++
	if err := e.connectErrs[uri]; err != nil {
		return nil, err
	}

	e.streams[uri] = &stream{connected: true, lastActivity: e.now()}
	return &handle{uri: uri}, nil
}

// Disconnect detaches a stream. Idempotent.
func (e *Engine) Disconnect(ctx context.Context, h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.streams, h.URI())
	return nil
}

// ProbeLiveness reports the scripted liveness for the stream.
func (e *Engine) ProbeLiveness(ctx context.Context, h engine.Handle) (engine.Liveness, error) {
	e.mu.Lock()
	uri := h.URI()
	e.probeCalls[uri]++
	delay := e.probeDelay[uri]
	scriptedErr := e.probeErrs[uri]
	s := e.streams[uri]
	var liveness engine.Liveness
	if s != nil {
		liveness = engine.Liveness{LastActivity: s.lastActivity, ErrorFlag: s.errorFlag, EOS: s.eos}
	}
	e.mu.Unlock()

	// A scripted delay lets tests exercise probe timeouts.
	if delay > 0 {
		select {
		case <-ctx.Done():
			return engine.Liveness{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if scriptedErr != nil {
		return engine.Liveness{}, scriptedErr
	}
	if s == nil {
		return engine.Liveness{}, fmt.Errorf("stream %s not connected", uri)
	}
	return liveness, nil
}

// Reconnect re-establishes a stream, consuming the next scripted error if any.
// A cancelled context returns before any reconnect work is recorded.
func (e *Engine) Reconnect(ctx context.Context, h engine.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	uri := h.URI()
	e.reconnectCalls[uri]++

	if errs := e.reconnectErrs[uri]; len(errs) > 0 {
		err := errs[0]
		e.reconnectErrs[uri] = errs[1:]
		if err != nil {
			return err
		}
	}

	e.streams[uri] = &stream{connected: true, lastActivity: e.now()}
	return nil
}

// -----------------------------------------------------------------------------
// Failure injection
// -----------------------------------------------------------------------------

// SetConnectError scripts Connect for the URI to fail. Pass nil to clear.
func (e *Engine) SetConnectError(uri string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.connectErrs, uri)
		return
	}
	e.connectErrs[uri] = err
}

// SetProbeError scripts ProbeLiveness for the URI to fail. Pass nil to clear.
func (e *Engine) SetProbeError(uri string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.probeErrs, uri)
		return
	}
	e.probeErrs[uri] = err
}

// SetProbeDelay makes probes for the URI hang for d before answering.
func (e *Engine) SetProbeDelay(uri string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probeDelay[uri] = d
}

// ScriptReconnect queues reconnect outcomes for the URI; a nil entry succeeds.
func (e *Engine) ScriptReconnect(uri string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnectErrs[uri] = append(e.reconnectErrs[uri], errs...)
}

// SetErrorFlag marks the stream's liveness error flag.
func (e *Engine) SetErrorFlag(uri string, flag bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.streams[uri]; s != nil {
		s.errorFlag = flag
	}
}

// MarkEOS marks the stream as ended normally.
func (e *Engine) MarkEOS(uri string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.streams[uri]; s != nil {
		s.eos = true
	}
}

// Touch refreshes the stream's last activity timestamp.
func (e *Engine) Touch(uri string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.streams[uri]; s != nil {
		s.lastActivity = e.now()
	}
}

// SetLastActivity pins the stream's last activity timestamp.
func (e *Engine) SetLastActivity(uri string, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.streams[uri]; s != nil {
		s.lastActivity = ts
	}
}

// -----------------------------------------------------------------------------
// Call accounting
// -----------------------------------------------------------------------------

// ConnectCalls returns how many times Connect ran for the URI.
func (e *Engine) ConnectCalls(uri string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectCalls[uri]
}

// ReconnectCalls returns how many times Reconnect ran for the URI.
func (e *Engine) ReconnectCalls(uri string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnectCalls[uri]
}

// ProbeCalls returns how many times ProbeLiveness ran for the URI.
func (e *Engine) ProbeCalls(uri string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probeCalls[uri]
}

// Connected reports whether the URI currently has an attached stream.
func (e *Engine) Connected(uri string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.streams[uri]
	return s != nil && s.connected
}
