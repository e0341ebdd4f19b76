package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hlerrors "hubload/internal/errors"
	"hubload/internal/session"
)

func newTestSession(created time.Time) *session.Session {
	s := session.New("/src/project", "acme/widgets", created)
	s.Files = []session.FileRecord{{Path: "a.bin", Size: 20, State: session.FilePlanned}}
	s.Chunks = []*session.Chunk{
		{ID: session.ChunkID("a.bin", 0), FilePath: "a.bin", Offset: 0, Length: 10, Checksum: "c0", State: session.ChunkPending},
		{ID: session.ChunkID("a.bin", 10), FilePath: "a.bin", Offset: 10, Length: 10, Checksum: "c1", State: session.ChunkPending},
	}
	return s
}

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sessions")
	fs, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	return fs, dir
}

func TestFileStore_CreateLoad(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFileStore(t)
	s := newTestSession(time.Now().UTC().Truncate(time.Second))

	require.NoError(t, fs.Create(ctx, s))

	loaded, err := fs.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, s.Chunks, loaded.Chunks)
	assert.True(t, s.CreatedAt.Equal(loaded.CreatedAt))
}

func TestFileStore_CreateTwice(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFileStore(t)
	s := newTestSession(time.Now())

	require.NoError(t, fs.Create(ctx, s))
	err := fs.Create(ctx, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hlerrors.ErrSessionExists))
}

func TestFileStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	fs, dir := newFileStore(t)
	s := newTestSession(time.Now())
	require.NoError(t, fs.Create(ctx, s))

	s.Chunks[0].State = session.ChunkUploaded
	s.Status = session.StatusUploading
	require.NoError(t, fs.Save(ctx, s))

	loaded, err := fs.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ChunkUploaded, loaded.Chunks[0].State)
	assert.Equal(t, session.StatusUploading, loaded.Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files are left behind")
	assert.Equal(t, s.ID+".json", entries[0].Name())
}

func TestFileStore_ConcurrentSavesStayReadable(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFileStore(t)
	s := newTestSession(time.Now())
	require.NoError(t, fs.Create(ctx, s))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		snap := s.Clone()
		snap.PlanVersion = i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fs.Save(ctx, snap))
		}()
	}
	wg.Wait()

	loaded, err := fs.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Chunks, 2)
}

func TestFileStore_NotFound(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFileStore(t)

	_, err := fs.Load(ctx, "missing")
	assert.True(t, errors.Is(err, hlerrors.ErrSessionNotFound))

	err = fs.Delete(ctx, "missing")
	assert.True(t, errors.Is(err, hlerrors.ErrSessionNotFound))

	_, err = fs.Load(ctx, "../escape")
	assert.True(t, errors.Is(err, hlerrors.ErrSessionNotFound))
}

func TestFileStore_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	fs, dir := newFileStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0600))

	_, err := fs.Load(ctx, "broken")
	var storeErr *hlerrors.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.True(t, hlerrors.IsFatal(err))

	good := newTestSession(time.Now())
	require.NoError(t, fs.Create(ctx, good))

	list, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, good.ID, list[0].ID)
}

func TestFileStore_ListOrderAndDelete(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFileStore(t)
	base := time.Now()

	older := newTestSession(base.Add(-time.Hour))
	newer := newTestSession(base)
	newer.Chunks[1].State = session.ChunkUploaded
	require.NoError(t, fs.Create(ctx, newer))
	require.NoError(t, fs.Create(ctx, older))

	list, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, 1, list[1].ChunksDone)
	assert.Equal(t, 2, list[1].ChunksTotal)

	require.NoError(t, fs.Delete(ctx, older.ID))
	list, err = fs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileStore_SaveFailureIsStoreError(t *testing.T) {
	ctx := context.Background()
	fs, dir := newFileStore(t)
	s := newTestSession(time.Now())
	require.NoError(t, os.RemoveAll(dir))

	err := fs.Save(ctx, s)
	require.Error(t, err)
	assert.True(t, hlerrors.IsFatal(err))
	assert.True(t, strings.Contains(err.Error(), s.ID))
}
