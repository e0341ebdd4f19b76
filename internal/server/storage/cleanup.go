package storage

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService periodically removes staging directories of upload
// sessions that went quiet without being finalized.
type CleanupService struct {
	store    Store
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(store Store, interval, ttl time.Duration) *CleanupService {
	return &CleanupService{
		store:    store,
		interval: interval,
		ttl:      ttl,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "staging_ttl", cs.ttl)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup()

		for {
			select {
			case <-ticker.C:
				cs.runCleanup()
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// runCleanup returns how many staging directories were removed.
func (cs *CleanupService) runCleanup() int {
	expired, err := cs.store.ExpiredStaging(cs.now().Add(-cs.ttl))
	if err != nil {
		slog.Error("failed to list staging directories", "error", err)
		return 0
	}

	if len(expired) == 0 {
		slog.Debug("no stale staging directories")
		return 0
	}

	var cleaned, failed int
	for _, key := range expired {
		if err := cs.store.Delete(key); err != nil {
			slog.Error("failed to delete staging directory", "key", key, "error", err)
			failed++
			continue
		}
		cleaned++
		slog.Info("cleaned up stale staging directory", "key", key)
	}

	slog.Info("cleanup cycle complete",
		"cleaned", cleaned,
		"failed", failed,
		"total_expired", len(expired),
	)
	return cleaned
}
