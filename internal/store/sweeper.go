package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes terminal sessions that have not been
// updated within the retention window.
type Sweeper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	done      chan struct{}
}

func NewSweeper(store Store, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.logger.Info("session sweeper started", "interval", sw.interval, "retention", sw.retention)

	go func() {
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		sw.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				sw.Sweep(ctx)
			case <-ctx.Done():
				sw.logger.Info("session sweeper stopping")
				close(sw.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (sw *Sweeper) Wait() {
	<-sw.done
}

// Sweep runs one pass and returns how many sessions were deleted.
func (sw *Sweeper) Sweep(ctx context.Context) int {
	summaries, err := sw.store.List(ctx)
	if err != nil {
		sw.logger.Error("failed to list sessions", "error", err)
		return 0
	}

	cutoff := sw.now().Add(-sw.retention)
	var cleaned, failed int
	for _, s := range summaries {
		if !s.Status.Terminal() || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := sw.store.Delete(ctx, s.ID); err != nil {
			sw.logger.Error("failed to delete session", "session_id", s.ID, "error", err)
			failed++
			continue
		}
		cleaned++
		sw.logger.Info("removed stale session",
			"session_id", s.ID,
			"status", s.Status,
			"updated_at", s.UpdatedAt,
		)
	}

	if cleaned > 0 || failed > 0 {
		sw.logger.Info("sweep complete", "cleaned", cleaned, "failed", failed)
	}
	return cleaned
}
