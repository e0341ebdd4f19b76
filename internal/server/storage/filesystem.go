package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// StagingDir is the per-repository directory chunk blobs land in before a
// manifest reassembles them.
const StagingDir = ".uploads"

var ErrNotFound = errors.New("object not found")

// Store defines the interface for blob storage backends. Keys are
// slash-separated paths of the form owner/repo/path.
type Store interface {
	Save(key string, data io.Reader) (int64, error)
	GetPath(key string) (string, error)
	Delete(key string) error
	EnsureDir() error
	ExpiredStaging(cutoff time.Time) ([]string, error)
	Usage() (Usage, error)
}

// Usage summarizes what is on disk.
type Usage struct {
	Files       int   `json:"files"`
	Bytes       int64 `json:"bytes"`
	StagedBlobs int   `json:"staged_blobs"`
	StagedBytes int64 `json:"staged_bytes"`
}

// FileSystemStore stores repository files and staged blobs on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to key through a temp file and rename, so readers never
// observe a partial object. Returns the number of bytes written.
func (fs *FileSystemStore) Save(key string, data io.Reader) (int64, error) {
	filePath := fs.filePath(key)
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}

	n, err := io.Copy(tmp, data)
	if err != nil {
		return fail(fmt.Errorf("failed to write file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return n, nil
}

// GetPath returns the absolute path to a stored object.
// Returns ErrNotFound if the object does not exist.
func (fs *FileSystemStore) GetPath(key string) (string, error) {
	filePath := fs.filePath(key)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, key)
	}

	return filePath, nil
}

// Delete removes an object or a whole directory of objects.
func (fs *FileSystemStore) Delete(key string) error {
	filePath := fs.filePath(key)
	if filePath == filepath.Clean(fs.basePath) {
		return fmt.Errorf("refusing to delete storage root")
	}
	if err := os.RemoveAll(filePath); err != nil {
		return fmt.Errorf("failed to delete %s: %w", filePath, err)
	}
	return nil
}

// ExpiredStaging returns the keys of per-session staging directories not
// modified since cutoff.
func (fs *FileSystemStore) ExpiredStaging(cutoff time.Time) ([]string, error) {
	pattern := filepath.Join(fs.basePath, "*", "*", StagingDir, "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging directories: %w", err)
	}

	var expired []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			rel, err := filepath.Rel(fs.basePath, m)
			if err != nil {
				continue
			}
			expired = append(expired, filepath.ToSlash(rel))
		}
	}
	return expired, nil
}

// Usage walks the storage tree. Temp files are ignored.
func (fs *FileSystemStore) Usage() (Usage, error) {
	var u Usage
	err := filepath.WalkDir(fs.basePath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if isStaged(p) {
			u.StagedBlobs++
			u.StagedBytes += info.Size()
			return nil
		}
		u.Files++
		u.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("failed to measure storage: %w", err)
	}
	return u, nil
}

func isStaged(p string) bool {
	sep := string(filepath.Separator)
	return strings.Contains(p, sep+StagingDir+sep)
}

// filePath maps a key below basePath. Cleaning against a rooted path
// discards any leading "..".
func (fs *FileSystemStore) filePath(key string) string {
	cleaned := path.Clean("/" + key)
	return filepath.Join(fs.basePath, filepath.FromSlash(cleaned))
}
