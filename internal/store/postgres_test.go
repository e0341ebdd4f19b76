package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hlerrors "hubload/internal/errors"
	"hubload/internal/session"
)

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func TestMigrationsOrdered(t *testing.T) {
	require.NotEmpty(t, migrations)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	assert.Contains(t, migrations[0].SQL, "upload_sessions")
}

// Runs only when HUBLOAD_TEST_DATABASE_URL points at a scratch database.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("HUBLOAD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HUBLOAD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	ps, err := OpenPostgres(ctx, url, nil)
	require.NoError(t, err)
	defer ps.Close()
	require.NoError(t, ps.RunMigrations(ctx), "migrations are idempotent")

	s := newTestSession(time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, ps.Create(ctx, s))
	defer ps.Delete(ctx, s.ID)

	assert.True(t, errors.Is(ps.Create(ctx, s), hlerrors.ErrSessionExists))

	s.Chunks[0].State = session.ChunkUploaded
	require.NoError(t, ps.Save(ctx, s))

	loaded, err := ps.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ChunkUploaded, loaded.Chunks[0].State)

	list, err := ps.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, sum := range list {
		found = found || sum.ID == s.ID
	}
	assert.True(t, found)

	_, err = ps.Load(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, hlerrors.ErrSessionNotFound))
}
