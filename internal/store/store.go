// Package store persists upload sessions so an interrupted upload can be
// resumed, including after a process restart.
package store

import (
	"context"
	"fmt"
	"strings"

	"hubload/internal/session"
)

// Store is durable persistence of sessions keyed by session id. Save is
// atomic: readers see either the previous or the new document, never a
// partial one. Callers serialize saves of one session.
type Store interface {
	Create(ctx context.Context, s *session.Session) error
	Load(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, s *session.Session) error
	List(ctx context.Context) ([]session.Summary, error)
	Delete(ctx context.Context, id string) error
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
