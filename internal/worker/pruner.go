package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/shepherd/internal/infra/journal"
)

// Pruner deletes old journal entries based on retention policy.
type Pruner struct {
	retention time.Duration
	journal   journal.Journal
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, j journal.Journal) *Pruner {
	return &Pruner{
		retention: retention,
		journal:   j,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check at 10% of the retention period, clamped to [1m, 1h].
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := time.Now().Add(-p.retention)

	removed, err := p.journal.Prune(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune journal", "error", err)
		return
	}
	if removed > 0 {
		p.log.Info("Pruned journal entries", "removed", removed, "cutoff", cutoff)
	}
}
