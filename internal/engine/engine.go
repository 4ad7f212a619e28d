// Package engine defines the pipeline engine contract consumed by the
// fault-tolerance core. Backends are swappable: a simulated engine for tests
// and local development, and a gRPC client for a remote pipeline worker.
package engine

import (
	"context"
	"time"
)

// Handle is an opaque reference to a connected stream inside a backend.
type Handle interface {
	// URI returns the stream URI the handle was connected with.
	URI() string
}

// Liveness is the result of a single probe against a connected stream.
type Liveness struct {
	LastActivity time.Time // wall-clock time of the last observed media activity
	ErrorFlag    bool      // backend reported an error condition on the stream
	EOS          bool      // stream ended normally (end of stream)
}

// Engine is the capability interface for a pipeline backend.
type Engine interface {
	// Connect attaches a new stream and returns its handle.
	Connect(ctx context.Context, uri string) (Handle, error)

	// Disconnect detaches a stream and releases backend resources. Idempotent.
	Disconnect(ctx context.Context, h Handle) error

	// ProbeLiveness queries the backend for stream activity. Callers bound
	// the call with a context deadline; a timeout counts as unhealthy.
	ProbeLiveness(ctx context.Context, h Handle) (Liveness, error)

	// Reconnect re-establishes a failed stream on its existing handle.
	Reconnect(ctx context.Context, h Handle) error
}
