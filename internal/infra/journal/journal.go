// Package journal persists the source event stream for operator inspection.
package journal

import (
	"context"
	"time"

	"github.com/vietddude/shepherd/internal/core/domain"
)

// Journal stores emitted source events.
type Journal interface {
	// Append records one event.
	Append(ctx context.Context, ev domain.SourceEvent) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]domain.SourceEvent, error)

	// Prune deletes events emitted before the cutoff, returning how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases the underlying store.
	Close() error
}
