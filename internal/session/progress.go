package session

import (
	"time"

	"hubload/internal/profile"
)

// Counts tallies chunk states and bytes.
type Counts struct {
	ChunksTotal     int   `json:"chunks_total"`
	ChunksDone      int   `json:"chunks_done"`
	ChunksUploading int   `json:"chunks_uploading"`
	ChunksFailed    int   `json:"chunks_failed"`
	BytesTotal      int64 `json:"bytes_total"`
	BytesDone       int64 `json:"bytes_done"`
}

func (s *Session) Counts() Counts {
	var c Counts
	for _, ch := range s.Chunks {
		c.ChunksTotal++
		c.BytesTotal += ch.Length
		switch ch.State {
		case ChunkUploaded:
			c.ChunksDone++
			c.BytesDone += ch.Length
		case ChunkUploading:
			c.ChunksUploading++
		case ChunkFailed:
			c.ChunksFailed++
		}
	}
	return c
}

// Summary is the list view of a session.
type Summary struct {
	ID          string    `json:"session_id"`
	SourcePath  string    `json:"source_path"`
	TargetRepo  string    `json:"target_repo"`
	Status      Status    `json:"status"`
	ChunksDone  int       `json:"chunks_done"`
	ChunksTotal int       `json:"chunks_total"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Session) Summary() Summary {
	c := s.Counts()
	return Summary{
		ID:          s.ID,
		SourcePath:  s.SourcePath,
		TargetRepo:  s.TargetRepo,
		Status:      s.Status,
		ChunksDone:  c.ChunksDone,
		ChunksTotal: c.ChunksTotal,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// Snapshot is the progress report returned by status queries.
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	Status       Status        `json:"status"`
	Percent      float64       `json:"percent"`
	ChunksDone   int           `json:"chunks_done"`
	ChunksTotal  int           `json:"chunks_total"`
	ChunksFailed int           `json:"chunks_failed"`
	BytesDone    int64         `json:"bytes_done"`
	BytesTotal   int64         `json:"bytes_total"`
	FilesSkipped int           `json:"files_skipped"`
	CurrentTier  profile.Tier  `json:"current_tier"`
	ETA          time.Duration `json:"eta"`
	Elapsed      time.Duration `json:"elapsed"`
	Error        string        `json:"error,omitempty"`
}

// Snapshot computes progress at now. ETA is remaining bytes over the
// throughput of the current run and is zero when that is unknown.
func (s *Session) Snapshot(now time.Time) Snapshot {
	c := s.Counts()
	snap := Snapshot{
		SessionID:    s.ID,
		Status:       s.Status,
		ChunksDone:   c.ChunksDone,
		ChunksTotal:  c.ChunksTotal,
		ChunksFailed: c.ChunksFailed,
		BytesDone:    c.BytesDone,
		BytesTotal:   c.BytesTotal,
		CurrentTier:  s.Tier,
		Elapsed:      s.elapsed(now),
		Error:        s.Error,
	}

	for _, f := range s.Files {
		if f.State == FileFailed {
			snap.FilesSkipped++
		}
	}

	switch {
	case c.BytesTotal > 0:
		snap.Percent = float64(c.BytesDone) / float64(c.BytesTotal) * 100
	case c.ChunksTotal > 0:
		snap.Percent = float64(c.ChunksDone) / float64(c.ChunksTotal) * 100
	case s.Status == StatusCompleted:
		snap.Percent = 100
	}

	if s.RunStartedAt != nil && s.Status == StatusUploading {
		runBytes := c.BytesDone - s.RunStartBytes
		runTime := now.Sub(*s.RunStartedAt).Seconds()
		if runBytes > 0 && runTime > 0 {
			rate := float64(runBytes) / runTime
			remaining := float64(c.BytesTotal - c.BytesDone)
			snap.ETA = time.Duration(remaining / rate * float64(time.Second))
		}
	}
	return snap
}

// elapsed stops counting when the session reaches a terminal status.
func (s *Session) elapsed(now time.Time) time.Duration {
	end := now
	if s.Status.Terminal() && !s.UpdatedAt.IsZero() && s.UpdatedAt.Before(now) {
		end = s.UpdatedAt
	}
	return end.Sub(s.CreatedAt)
}
