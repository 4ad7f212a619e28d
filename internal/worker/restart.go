// Package worker hosts background queue consumers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/shepherd/internal/core/domain"
	redisclient "github.com/vietddude/shepherd/internal/infra/redis"
)

// RestartConfig holds configuration for the restart worker.
type RestartConfig struct {
	LockTTL    time.Duration // Lock TTL (default: 60s)
	EmptySleep time.Duration // Sleep when queue empty (default: 5s)
}

// DefaultRestartConfig returns default worker configuration.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		LockTTL:    60 * time.Second,
		EmptySleep: 5 * time.Second,
	}
}

// Restarter forces a fresh recovery cycle for a source.
type Restarter interface {
	RestartSource(ctx context.Context, id domain.SourceID) error
}

// RestartWorker drains operator restart requests from Redis and applies them
// to the controller. Multiple replicas can run against the same queue; the
// per-source lock keeps them from doubling up.
type RestartWorker struct {
	cfg     RestartConfig
	redis   *redisclient.Client
	control Restarter
	log     *slog.Logger
}

// NewRestartWorker creates a restart worker.
func NewRestartWorker(cfg RestartConfig, redis *redisclient.Client, control Restarter) *RestartWorker {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultRestartConfig().LockTTL
	}
	if cfg.EmptySleep <= 0 {
		cfg.EmptySleep = DefaultRestartConfig().EmptySleep
	}
	return &RestartWorker{
		cfg:     cfg,
		redis:   redis,
		control: control,
		log:     slog.Default().With("component", "restart-worker"),
	}
}

// Run starts the worker loop.
func (w *RestartWorker) Run(ctx context.Context) error {
	w.log.Info("Starting restart worker")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Restart worker stopped")
			return nil
		default:
		}

		id, found, err := w.redis.PopRestart(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("Failed to pop restart request", "error", err)
			w.sleep(ctx)
			continue
		}
		if !found {
			w.sleep(ctx)
			continue
		}

		if err := w.restart(ctx, id); err != nil {
			w.log.Error("Failed to restart source", "id", id, "error", err)
		}
	}
}

func (w *RestartWorker) restart(ctx context.Context, id domain.SourceID) error {
	locked, err := w.redis.AcquireLock(ctx, id, w.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		w.log.Debug("Source already being restarted elsewhere", "id", id)
		return nil
	}
	defer func() {
		if err := w.redis.ReleaseLock(ctx, id); err != nil {
			w.log.Warn("Failed to release lock", "id", id, "error", err)
		}
	}()

	w.log.Info("Restarting source", "id", id)
	if err := w.control.RestartSource(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Source was removed after the request was queued.
			w.log.Warn("Restart request for unknown source", "id", id)
			return nil
		}
		return err
	}
	return nil
}

func (w *RestartWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.EmptySleep):
	}
}
