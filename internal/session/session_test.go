package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hlerrors "hubload/internal/errors"
	"hubload/internal/profile"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSession() *Session {
	s := New("/src/project", "acme/widgets", t0)
	s.Tier = profile.TierMedium
	s.Files = []FileRecord{
		{Path: "a.bin", Size: 30, State: FilePlanned},
		{Path: "broken.bin", State: FileFailed, Error: "permission denied"},
	}
	for i := int64(0); i < 3; i++ {
		s.Chunks = append(s.Chunks, &Chunk{
			ID:       ChunkID("a.bin", i*10),
			FilePath: "a.bin",
			Offset:   i * 10,
			Length:   10,
			State:    ChunkPending,
		})
	}
	return s
}

func TestChunkID_Deterministic(t *testing.T) {
	assert.Equal(t, ChunkID("dir/file.txt", 5*profile.MB), ChunkID("dir/file.txt", 5*profile.MB))
	assert.NotEqual(t, ChunkID("dir/file.txt", 0), ChunkID("dir/file.txt", 1))
	assert.NotEqual(t, ChunkID("a", 10), ChunkID("a1", 0))
	assert.Len(t, ChunkID("x", 0), 16)
}

func TestSessionTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusCreated, StatusPlanning},
		{StatusPlanning, StatusUploading},
		{StatusUploading, StatusPaused},
		{StatusPaused, StatusUploading},
		{StatusUploading, StatusCompleted},
		{StatusUploading, StatusCancelled},
		{StatusPaused, StatusCancelled},
		{StatusPlanning, StatusFailed},
		{StatusFailed, StatusUploading},
		{StatusFailed, StatusPlanning},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]Status{
		{StatusCreated, StatusUploading},
		{StatusCompleted, StatusFailed},
		{StatusCancelled, StatusFailed},
		{StatusCompleted, StatusUploading},
		{StatusPlanning, StatusCancelled},
		{StatusPaused, StatusCompleted},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestSession_Transition(t *testing.T) {
	s := sampleSession()
	later := t0.Add(time.Minute)

	require.NoError(t, s.Transition(StatusPlanning, later))
	assert.Equal(t, later, s.UpdatedAt)

	err := s.Transition(StatusCompleted, later)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hlerrors.ErrInvalidTransition))
	assert.Equal(t, StatusPlanning, s.Status)

	require.NoError(t, s.Transition(StatusPlanning, later), "same-state is a no-op")
}

func TestChunk_Transition(t *testing.T) {
	c := &Chunk{ID: "c1", State: ChunkPending}

	require.Error(t, c.Transition(ChunkUploaded), "cannot skip uploading")
	require.NoError(t, c.Transition(ChunkUploading))
	require.NoError(t, c.Transition(ChunkUploaded))
	require.Error(t, c.Transition(ChunkPending), "uploaded is final without requeue")

	now := t0
	c.UploadedAt = &now
	c.RemoteChecksum = "abc"
	c.Requeue("checksum mismatch")
	assert.Equal(t, ChunkPending, c.State)
	assert.Nil(t, c.UploadedAt)
	assert.Empty(t, c.RemoteChecksum)

	require.NoError(t, c.Transition(ChunkUploading))
	require.NoError(t, c.Transition(ChunkFailed))
	require.NoError(t, c.Transition(ChunkPending))

	require.NoError(t, c.Transition(ChunkUploading))
	require.NoError(t, c.Transition(ChunkUploaded))
	c.Reject("still mismatched")
	assert.Equal(t, ChunkFailed, c.State)
	assert.Equal(t, "still mismatched", c.LastError)
}

func TestSession_ResetAndRequeue(t *testing.T) {
	s := sampleSession()
	s.Chunks[0].State = ChunkUploading
	s.Chunks[1].State = ChunkFailed
	s.Chunks[1].Attempts = 4

	assert.Equal(t, 1, s.ResetInFlight())
	assert.Equal(t, ChunkPending, s.Chunks[0].State)

	assert.Equal(t, 1, s.RequeueFailed())
	assert.Equal(t, ChunkPending, s.Chunks[1].State)
	assert.Zero(t, s.Chunks[1].Attempts)
}

func TestSession_CompletionCriteria(t *testing.T) {
	s := sampleSession()
	assert.False(t, s.AllUploaded())

	for _, c := range s.Chunks {
		c.State = ChunkUploaded
	}
	assert.True(t, s.AllUploaded())
	assert.False(t, s.AllVerified())

	s.File("a.bin").State = FileVerified
	assert.True(t, s.AllVerified(), "files failed at plan time do not block completion")
}

func TestSession_Clone(t *testing.T) {
	s := sampleSession()
	now := t0
	s.Chunks[0].UploadedAt = &now

	c := s.Clone()
	c.Chunks[0].State = ChunkUploaded
	c.Files[0].State = FileVerified
	*c.Chunks[0].UploadedAt = t0.Add(time.Hour)

	assert.Equal(t, ChunkPending, s.Chunks[0].State)
	assert.Equal(t, FilePlanned, s.Files[0].State)
	assert.Equal(t, t0, *s.Chunks[0].UploadedAt)
}

func TestSession_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(sampleSession())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"session_id", "source_path", "target_repo", "status", "chunks", "created_at", "updated_at"} {
		assert.Contains(t, raw, key)
	}

	chunk := raw["chunks"].([]any)[0].(map[string]any)
	for _, key := range []string{"chunk_id", "file_path", "offset", "length", "checksum", "compressed", "state"} {
		assert.Contains(t, chunk, key)
	}
}

func TestSnapshot(t *testing.T) {
	s := sampleSession()
	require.NoError(t, s.Transition(StatusPlanning, t0))
	require.NoError(t, s.Transition(StatusUploading, t0))
	start := t0
	s.RunStartedAt = &start
	s.Chunks[0].State = ChunkUploaded
	s.Chunks[1].State = ChunkFailed

	snap := s.Snapshot(t0.Add(10 * time.Second))
	assert.Equal(t, 1, snap.ChunksDone)
	assert.Equal(t, 3, snap.ChunksTotal)
	assert.Equal(t, 1, snap.ChunksFailed)
	assert.Equal(t, 1, snap.FilesSkipped)
	assert.InDelta(t, 33.33, snap.Percent, 0.01)
	// 10 bytes in 10s, 20 remaining.
	assert.Equal(t, 20*time.Second, snap.ETA)
	assert.Equal(t, profile.TierMedium, snap.CurrentTier)
}

func TestSnapshot_ElapsedStopsAtTerminalStatus(t *testing.T) {
	s := sampleSession()
	require.NoError(t, s.Transition(StatusPlanning, t0))
	require.NoError(t, s.Transition(StatusUploading, t0))
	assert.Equal(t, 5*time.Second, s.Snapshot(t0.Add(5*time.Second)).Elapsed)

	require.NoError(t, s.Transition(StatusCompleted, t0.Add(30*time.Second)))
	assert.Equal(t, 30*time.Second, s.Snapshot(t0.Add(time.Hour)).Elapsed)
}

func TestSummary(t *testing.T) {
	s := sampleSession()
	s.Chunks[2].State = ChunkUploaded

	sum := s.Summary()
	assert.Equal(t, s.ID, sum.ID)
	assert.Equal(t, 1, sum.ChunksDone)
	assert.Equal(t, 3, sum.ChunksTotal)
}
