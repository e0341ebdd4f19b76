package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"hubload/internal/checksum"
	"hubload/internal/core"
	"hubload/internal/server/config"
	"hubload/internal/server/storage"
	"hubload/internal/transport"

	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors for the service layer.
var (
	ErrUnauthorized    = errors.New("missing or invalid token")
	ErrBlobTooLarge    = errors.New("blob exceeds maximum allowed size")
	ErrDigestMismatch  = errors.New("content digest mismatch")
	ErrInvalidPath     = errors.New("invalid repository path")
	ErrInvalidEncoding = errors.New("unsupported or corrupt content encoding")
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrBlobNotFound    = errors.New("blob not found")
)

// BlobResult is returned after a blob is stored.
type BlobResult struct {
	Path     string `json:"path"`
	Checksum string `json:"sha256"`
	Size     int64  `json:"size"`
}

// ManifestResult carries the digests of the reassembled files.
type ManifestResult struct {
	Files []transport.FileDigest `json:"files"`
}

// Stats are aggregate counters since startup plus current disk usage.
type Stats struct {
	storage.Usage
	BlobsReceived      int64 `json:"blobs_received"`
	BytesReceived      int64 `json:"bytes_received"`
	ManifestsCompleted int64 `json:"manifests_completed"`
}

// BlobService contains the business logic for chunk blobs and manifests.
type BlobService struct {
	store storage.Store
	cfg   *config.Config

	// tokenHash is nil when authentication is disabled.
	tokenHash []byte
	// accepted caches digests of tokens that already passed bcrypt.
	accepted sync.Map

	blobsReceived      atomic.Int64
	bytesReceived      atomic.Int64
	manifestsCompleted atomic.Int64
}

// NewBlobService creates a new blob service. The configured API token is
// hashed and the plaintext is not retained.
func NewBlobService(store storage.Store, cfg *config.Config) (*BlobService, error) {
	s := &BlobService{store: store, cfg: cfg}
	if cfg.APIToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.APIToken), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash api token: %w", err)
		}
		s.tokenHash = hash
		cfg.APIToken = ""
	}
	return s, nil
}

// Authorize checks a bearer token against the configured hash.
func (s *BlobService) Authorize(token string) error {
	if s.tokenHash == nil {
		return nil
	}
	if token == "" {
		return ErrUnauthorized
	}

	key := checksum.Digest([]byte(token))
	if _, ok := s.accepted.Load(key); ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	s.accepted.Store(key, struct{}{})
	return nil
}

// PutBlob stores one blob at repo/blobPath. encoding is the request's
// Content-Encoding; digest, when present, must match the decoded bytes.
func (s *BlobService) PutBlob(ctx context.Context, repo, blobPath string, data io.Reader, encoding, digest string) (*BlobResult, error) {
	key, err := objectKey(repo, blobPath)
	if err != nil {
		return nil, err
	}

	raw, err := s.readBody(data, encoding)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actual := checksum.Digest(raw)
	if digest != "" && !checksum.Verify(checksum.Checksum(digest), actual) {
		slog.Warn("blob digest mismatch",
			"key", key,
			"expected", digest,
			"actual", actual,
		)
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, digest, actual)
	}

	n, err := s.store.Save(key, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to store blob: %w", err)
	}

	s.blobsReceived.Add(1)
	s.bytesReceived.Add(n)
	slog.Debug("blob stored", "key", key, "size", n, "encoding", encoding)

	return &BlobResult{Path: blobPath, Checksum: actual.String(), Size: n}, nil
}

func (s *BlobService) readBody(data io.Reader, encoding string) ([]byte, error) {
	limit := s.cfg.MaxBlobSize

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(data, limit+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read blob: %w", err)
		}
		if n > limit {
			return nil, ErrBlobTooLarge
		}
		return buf.Bytes(), nil
	case "gzip":
		raw, err := core.Decompress(io.LimitReader(data, limit+1), limit)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEncoding, encoding)
	}
}

// Reassemble concatenates each manifest file's blobs, in order, into the
// file's final path and reports the digest of what was written.
func (s *BlobService) Reassemble(ctx context.Context, repo string, m transport.Manifest) (*ManifestResult, error) {
	if m.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidManifest)
	}

	result := &ManifestResult{Files: make([]transport.FileDigest, 0, len(m.Files))}
	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		digest, err := s.reassembleFile(repo, f)
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, digest)
	}

	s.manifestsCompleted.Add(1)
	slog.Info("manifest reassembled",
		"repo", repo,
		"session_id", m.SessionID,
		"files", len(result.Files),
	)
	return result, nil
}

func (s *BlobService) reassembleFile(repo string, f transport.ManifestFile) (transport.FileDigest, error) {
	key, err := objectKey(repo, f.Path)
	if err != nil {
		return transport.FileDigest{}, err
	}
	if strings.HasPrefix(f.Path, storage.StagingDir+"/") {
		return transport.FileDigest{}, fmt.Errorf("%w: %s is inside the staging area", ErrInvalidManifest, f.Path)
	}

	paths := make([]string, 0, len(f.Blobs))
	for _, b := range f.Blobs {
		blobKey, err := objectKey(repo, b)
		if err != nil {
			return transport.FileDigest{}, err
		}
		p, err := s.store.GetPath(blobKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return transport.FileDigest{}, fmt.Errorf("%w: %s", ErrBlobNotFound, b)
			}
			return transport.FileDigest{}, err
		}
		paths = append(paths, p)
	}

	chain := &chainReader{paths: paths}
	defer chain.Close()

	hasher := checksum.NewHasher()
	n, err := s.store.Save(key, io.TeeReader(chain, hasher))
	if err != nil {
		return transport.FileDigest{}, fmt.Errorf("failed to reassemble %s: %w", f.Path, err)
	}
	return transport.FileDigest{Path: f.Path, Checksum: hasher.Sum().String(), Size: n}, nil
}

// Stats returns aggregate counters and disk usage.
func (s *BlobService) Stats() (*Stats, error) {
	usage, err := s.store.Usage()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Usage:              usage,
		BlobsReceived:      s.blobsReceived.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		ManifestsCompleted: s.manifestsCompleted.Load(),
	}, nil
}

// Health reports whether the storage root is usable.
func (s *BlobService) Health() error {
	return s.store.EnsureDir()
}

// --- Helpers ---

// chainReader reads a list of files back to back, opening each lazily.
type chainReader struct {
	paths []string
	cur   *os.File
}

func (r *chainReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.paths) == 0 {
				return 0, io.EOF
			}
			f, err := os.Open(r.paths[0])
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrBlobNotFound, err)
			}
			r.cur = f
			r.paths = r.paths[1:]
		}

		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chainReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

// objectKey validates repo and a repository-relative path and joins them
// into a storage key.
func objectKey(repo, p string) (string, error) {
	if _, err := core.ParseRepo(repo); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return repo + "/" + p, nil
}
