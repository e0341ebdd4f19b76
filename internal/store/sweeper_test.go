package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubload/internal/session"
)

func TestSweeper_RemovesOnlyStaleTerminalSessions(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFileStore(t)
	now := time.Now()

	stale := newTestSession(now.Add(-72 * time.Hour))
	stale.Status = session.StatusCompleted
	stale.UpdatedAt = now.Add(-48 * time.Hour)

	recent := newTestSession(now.Add(-72 * time.Hour))
	recent.Status = session.StatusCancelled
	recent.UpdatedAt = now.Add(-time.Hour)

	running := newTestSession(now.Add(-72 * time.Hour))
	running.Status = session.StatusPaused
	running.UpdatedAt = now.Add(-48 * time.Hour)

	for _, s := range []*session.Session{stale, recent, running} {
		require.NoError(t, fs.Create(ctx, s))
	}

	sw := NewSweeper(fs, 24*time.Hour, time.Hour, nil)
	sw.now = func() time.Time { return now }
	assert.Equal(t, 1, sw.Sweep(ctx))

	list, err := fs.List(ctx)
	require.NoError(t, err)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{recent.ID, running.ID}, ids)
}

func TestSweeper_StartStop(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	sw := NewSweeper(fs, time.Hour, time.Hour, nil)
	sw.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		sw.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
