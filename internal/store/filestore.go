package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	hlerrors "hubload/internal/errors"
	"hubload/internal/session"
)

const sessionExt = ".json"

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &hlerrors.StoreError{Op: "init", Err: fmt.Errorf("failed to create session directory %s: %w", dir, err)}
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+sessionExt)
}

// Create writes a new session and fails with ErrSessionExists when the id
// is taken.
func (fs *FileStore) Create(ctx context.Context, s *session.Session) error {
	if err := validateID(s.ID); err != nil {
		return &hlerrors.StoreError{Op: "create", SessionID: s.ID, Err: err}
	}
	tmp, err := fs.writeTemp(s)
	if err != nil {
		return &hlerrors.StoreError{Op: "create", SessionID: s.ID, Err: err}
	}
	defer os.Remove(tmp)

	// link refuses to replace an existing file
	if err := os.Link(tmp, fs.path(s.ID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", hlerrors.ErrSessionExists, s.ID)
		}
		return &hlerrors.StoreError{Op: "create", SessionID: s.ID, Err: err}
	}
	return fs.syncDir()
}

// Save atomically replaces the session document.
func (fs *FileStore) Save(ctx context.Context, s *session.Session) error {
	if err := validateID(s.ID); err != nil {
		return &hlerrors.StoreError{Op: "save", SessionID: s.ID, Err: err}
	}
	tmp, err := fs.writeTemp(s)
	if err != nil {
		return &hlerrors.StoreError{Op: "save", SessionID: s.ID, Err: err}
	}
	if err := os.Rename(tmp, fs.path(s.ID)); err != nil {
		os.Remove(tmp)
		return &hlerrors.StoreError{Op: "save", SessionID: s.ID, Err: err}
	}
	return fs.syncDir()
}

// writeTemp writes the encoded session to a synced temp file in the store
// directory and returns its path.
func (fs *FileStore) writeTemp(s *session.Session) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}

	f, err := os.CreateTemp(fs.dir, "."+s.ID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write session: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to sync session: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close session file: %w", err)
	}
	return name, nil
}

func (fs *FileStore) syncDir() error {
	d, err := os.Open(fs.dir)
	if err != nil {
		return &hlerrors.StoreError{Op: "sync", Err: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return &hlerrors.StoreError{Op: "sync", Err: err}
	}
	return nil
}

func (fs *FileStore) Load(ctx context.Context, id string) (*session.Session, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", hlerrors.ErrSessionNotFound, err)
	}
	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", hlerrors.ErrSessionNotFound, id)
		}
		return nil, &hlerrors.StoreError{Op: "load", SessionID: id, Err: err}
	}

	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &hlerrors.StoreError{Op: "load", SessionID: id, Err: fmt.Errorf("corrupt session document: %w", err)}
	}
	return &s, nil
}

// List returns summaries ordered by creation time. Unreadable documents are
// logged and skipped.
func (fs *FileStore) List(ctx context.Context) ([]session.Summary, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, &hlerrors.StoreError{Op: "list", Err: err}
	}

	var out []session.Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, sessionExt) {
			continue
		}
		id := strings.TrimSuffix(name, sessionExt)
		s, err := fs.Load(ctx, id)
		if err != nil {
			fs.logger.Warn("skipping unreadable session", "session_id", id, "error", err)
			continue
		}
		out = append(out, s.Summary())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (fs *FileStore) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("%w: %v", hlerrors.ErrSessionNotFound, err)
	}
	if err := os.Remove(fs.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", hlerrors.ErrSessionNotFound, id)
		}
		return &hlerrors.StoreError{Op: "delete", SessionID: id, Err: err}
	}
	return nil
}
