// Package session holds the upload session model: the session, its
// immutable chunk plan and the state machines governing both.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	hlerrors "hubload/internal/errors"
	"hubload/internal/profile"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusPlanning  Status = "planning"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no run can continue from s without an explicit resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var sessionTransitions = map[Status][]Status{
	StatusCreated:   {StatusPlanning, StatusFailed},
	StatusPlanning:  {StatusUploading, StatusFailed},
	StatusUploading: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusUploading, StatusFailed, StatusCancelled},
	// A failed session keeps a resumable snapshot. One that failed before
	// its plan was stored is planned again.
	StatusFailed: {StatusUploading, StatusPlanning},
}

// CanTransition reports whether the session state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ChunkState string

const (
	ChunkPending   ChunkState = "pending"
	ChunkUploading ChunkState = "uploading"
	ChunkUploaded  ChunkState = "uploaded"
	ChunkFailed    ChunkState = "failed"
)

var chunkTransitions = map[ChunkState][]ChunkState{
	ChunkPending:   {ChunkUploading},
	ChunkUploading: {ChunkUploaded, ChunkPending, ChunkFailed},
	ChunkFailed:    {ChunkPending},
}

type FileState string

const (
	FilePlanned  FileState = "planned"
	FileFailed   FileState = "failed"
	FileVerified FileState = "verified"
)

// Chunk is one contiguous byte range of a source file. Identity, range,
// checksum and compression never change after planning.
type Chunk struct {
	ID         string     `json:"chunk_id"`
	FilePath   string     `json:"file_path"`
	Offset     int64      `json:"offset"`
	Length     int64      `json:"length"`
	Checksum   string     `json:"checksum"`
	Compressed bool       `json:"compressed"`
	State      ChunkState `json:"state"`

	Attempts          int        `json:"attempts"`
	IntegrityFailures int        `json:"integrity_failures"`
	RemoteChecksum    string     `json:"remote_checksum,omitempty"`
	UploadedAt        *time.Time `json:"uploaded_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// Transition moves the chunk along pending -> uploading -> uploaded|pending|failed.
func (c *Chunk) Transition(to ChunkState) error {
	for _, s := range chunkTransitions[c.State] {
		if s == to {
			c.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: chunk %s %s -> %s", hlerrors.ErrInvalidTransition, c.ID, c.State, to)
}

// Requeue puts the chunk back to pending from any state. It is the only path
// out of uploaded and is used when verification rejects the chunk.
func (c *Chunk) Requeue(reason string) {
	c.State = ChunkPending
	c.RemoteChecksum = ""
	c.UploadedAt = nil
	c.LastError = reason
}

// Reject marks an uploaded chunk failed when verification keeps rejecting
// it. RequeueFailed makes it eligible again.
func (c *Chunk) Reject(reason string) {
	c.State = ChunkFailed
	c.RemoteChecksum = ""
	c.UploadedAt = nil
	c.LastError = reason
}

// FileRecord is the per-file outcome of planning and verification.
type FileRecord struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum,omitempty"`
	State    FileState `json:"state"`
	Error    string    `json:"error,omitempty"`
}

// Session is one resumable upload of a source tree to a target repository.
type Session struct {
	ID             string       `json:"session_id"`
	SourcePath     string       `json:"source_path"`
	TargetRepo     string       `json:"target_repo"`
	Status         Status       `json:"status"`
	Tier           profile.Tier `json:"tier"`
	ChunkSizeBytes int64        `json:"chunk_size_bytes"`
	PlanVersion    int          `json:"plan_version"`
	Files          []FileRecord `json:"files"`
	Chunks         []*Chunk     `json:"chunks"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	// RunStartedAt and RunStartBytes anchor the throughput used for ETA.
	RunStartedAt  *time.Time `json:"run_started_at,omitempty"`
	RunStartBytes int64      `json:"run_start_bytes,omitempty"`
}

// New returns a session in the created state with a fresh identifier.
func New(sourcePath, targetRepo string, now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		SourcePath: sourcePath,
		TargetRepo: targetRepo,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ChunkID derives a chunk identifier from its file path and byte offset.
// The same inputs always give the same id.
func ChunkID(filePath string, offset int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", filePath, offset)))
	return hex.EncodeToString(sum[:8])
}

// Transition applies a session status change and stamps UpdatedAt.
func (s *Session) Transition(to Status, now time.Time) error {
	if s.Status == to {
		return nil
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: session %s %s -> %s", hlerrors.ErrInvalidTransition, s.ID, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// Chunk looks up a chunk by id.
func (s *Session) Chunk(id string) *Chunk {
	for _, c := range s.Chunks {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// File looks up a file record by relative path.
func (s *Session) File(path string) *FileRecord {
	for i := range s.Files {
		if s.Files[i].Path == path {
			return &s.Files[i]
		}
	}
	return nil
}

// FileChunks returns the chunks of one file ordered by offset.
func (s *Session) FileChunks(path string) []*Chunk {
	var out []*Chunk
	for _, c := range s.Chunks {
		if c.FilePath == path {
			out = append(out, c)
		}
	}
	return out
}

// AllUploaded reports whether every chunk reached uploaded.
func (s *Session) AllUploaded() bool {
	for _, c := range s.Chunks {
		if c.State != ChunkUploaded {
			return false
		}
	}
	return true
}

// AllVerified reports whether every planned file has been verified.
// Files that failed at plan time are not part of the upload.
func (s *Session) AllVerified() bool {
	for _, f := range s.Files {
		if f.State == FilePlanned {
			return false
		}
	}
	return true
}

// ResetInFlight returns every uploading chunk to pending and reports how
// many were reset.
func (s *Session) ResetInFlight() int {
	n := 0
	for _, c := range s.Chunks {
		if c.State == ChunkUploading {
			c.State = ChunkPending
			n++
		}
	}
	return n
}

// RequeueFailed gives failed chunks a fresh retry budget.
func (s *Session) RequeueFailed() int {
	n := 0
	for _, c := range s.Chunks {
		if c.State == ChunkFailed {
			c.Requeue(c.LastError)
			c.Attempts = 0
			c.IntegrityFailures = 0
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	out := *s
	out.Files = append([]FileRecord(nil), s.Files...)
	out.Chunks = make([]*Chunk, len(s.Chunks))
	for i, c := range s.Chunks {
		cc := *c
		if c.UploadedAt != nil {
			t := *c.UploadedAt
			cc.UploadedAt = &t
		}
		out.Chunks[i] = &cc
	}
	if s.RunStartedAt != nil {
		t := *s.RunStartedAt
		out.RunStartedAt = &t
	}
	return &out
}
