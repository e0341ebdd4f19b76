// Package transport defines the remote blob-upload capability the worker
// pool consumes, with HTTP, S3 and MinIO implementations.
package transport

import (
	"context"
	"path"

	"hubload/internal/ratelimit"
)

// UploadPrefix is the staging directory chunk blobs are written under.
const UploadPrefix = ".uploads"

// Blob is one chunk payload addressed inside a repository.
type Blob struct {
	Repo string
	Path string
	Body []byte
	// Checksum is the digest of the uncompressed bytes.
	Checksum   string
	Size       int64
	Compressed bool
}

// Receipt is what the remote acknowledged for a blob.
type Receipt struct {
	// Checksum is the digest the remote computed, when it reports one.
	Checksum string
	Signal   ratelimit.Signal
}

type ManifestFile struct {
	Path     string   `json:"path"`
	Size     int64    `json:"size"`
	Checksum string   `json:"sha256"`
	Blobs    []string `json:"blobs"`
}

// Manifest lists how to reassemble every file of a session from its blobs.
type Manifest struct {
	SessionID string         `json:"session_id"`
	Files     []ManifestFile `json:"files"`
}

type FileDigest struct {
	Path     string `json:"path"`
	Checksum string `json:"sha256"`
	Size     int64  `json:"size"`
}

type FinalizeResult struct {
	// Reassembled is true when the remote rebuilt the files and Files holds
	// its digests. Otherwise files must be verified locally.
	Reassembled bool
	Files       []FileDigest
	Signal      ratelimit.Signal
}

// Transport uploads blobs to a remote. Errors are classified with the
// internal/errors taxonomy: RetryableTransferError or FatalTransferError.
// The receipt's Signal is meaningful even when err is non-nil.
type Transport interface {
	Upload(ctx context.Context, token string, b Blob) (Receipt, error)
	Finalize(ctx context.Context, token, repo string, m Manifest) (FinalizeResult, error)
}

// BlobPath is the repository path a chunk is staged at.
func BlobPath(sessionID, chunkID string) string {
	return path.Join(UploadPrefix, sessionID, chunkID)
}

// ManifestPath is where object-store backends keep the session manifest.
func ManifestPath(sessionID string) string {
	return path.Join(UploadPrefix, sessionID, "manifest.json")
}

func noSignal() ratelimit.Signal {
	return ratelimit.Signal{Remaining: -1}
}
