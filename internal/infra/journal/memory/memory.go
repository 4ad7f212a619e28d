// Package memory provides an in-process journal backed by a bounded ring.
// It is the default when no database is configured.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/shepherd/internal/core/domain"
)

const defaultCapacity = 1024

// Journal keeps the most recent events in memory.
type Journal struct {
	mu     sync.RWMutex
	events []domain.SourceEvent
	cap    int
}

// NewJournal creates a journal retaining up to capacity events. Zero or
// negative capacity falls back to the default.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Journal{cap: capacity}
}

func (j *Journal) Append(ctx context.Context, ev domain.SourceEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, ev)
	if len(j.events) > j.cap {
		// Drop the oldest; shift rather than reslice to release backing memory.
		copy(j.events, j.events[len(j.events)-j.cap:])
		j.events = j.events[:j.cap]
	}
	return nil
}

func (j *Journal) Recent(ctx context.Context, limit int) ([]domain.SourceEvent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 || limit > len(j.events) {
		limit = len(j.events)
	}
	out := make([]domain.SourceEvent, 0, limit)
	for i := len(j.events) - 1; i >= len(j.events)-limit; i-- {
		out = append(out, j.events[i])
	}
	return out, nil
}

func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Events are appended in emit order, so the retained suffix starts at
	// the first event past the cutoff.
	keep := len(j.events)
	for i, ev := range j.events {
		if !ev.EmittedAt.Before(cutoff) {
			keep = i
			break
		}
	}
	if keep == 0 {
		return 0, nil
	}

	removed := int64(keep)
	copy(j.events, j.events[keep:])
	j.events = j.events[:len(j.events)-keep]
	return removed, nil
}

func (j *Journal) Close() error { return nil }
