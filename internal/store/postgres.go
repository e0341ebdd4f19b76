package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	hlerrors "hubload/internal/errors"
	"hubload/internal/session"
)

// migrations contains all database migrations in order.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_upload_sessions",
		SQL: `
			CREATE TABLE IF NOT EXISTS upload_sessions (
				id          VARCHAR(64)  PRIMARY KEY,
				source_path TEXT         NOT NULL,
				target_repo VARCHAR(255) NOT NULL,
				status      VARCHAR(16)  NOT NULL,
				document    JSONB        NOT NULL,
				created_at  TIMESTAMPTZ  NOT NULL,
				updated_at  TIMESTAMPTZ  NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_upload_sessions_status ON upload_sessions(status);
			CREATE INDEX IF NOT EXISTS idx_upload_sessions_updated_at ON upload_sessions(updated_at);
		`,
	},
}

// PostgresStore keeps each session as a JSONB document next to the columns
// used for listing and sweeping.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects, pings and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ps := &PostgresStore{pool: pool, logger: logger}
	if err := ps.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to session database")
	return ps, nil
}

// RunMigrations applies all pending database migrations in order.
func (ps *PostgresStore) RunMigrations(ctx context.Context) error {
	_, err := ps.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := ps.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := ps.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		ps.logger.Info("applied migration", "version", m.Version)
	}

	return nil
}

func (ps *PostgresStore) Create(ctx context.Context, s *session.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return &hlerrors.StoreError{Op: "create", SessionID: s.ID, Err: err}
	}
	tag, err := ps.pool.Exec(ctx, `
		INSERT INTO upload_sessions (id, source_path, target_repo, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.SourcePath, s.TargetRepo, string(s.Status), doc, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return &hlerrors.StoreError{Op: "create", SessionID: s.ID, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", hlerrors.ErrSessionExists, s.ID)
	}
	return nil
}

// Save is a single-statement upsert, so the document is replaced atomically.
func (ps *PostgresStore) Save(ctx context.Context, s *session.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return &hlerrors.StoreError{Op: "save", SessionID: s.ID, Err: err}
	}
	_, err = ps.pool.Exec(ctx, `
		INSERT INTO upload_sessions (id, source_path, target_repo, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
	`, s.ID, s.SourcePath, s.TargetRepo, string(s.Status), doc, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return &hlerrors.StoreError{Op: "save", SessionID: s.ID, Err: err}
	}
	return nil
}

func (ps *PostgresStore) Load(ctx context.Context, id string) (*session.Session, error) {
	var doc []byte
	err := ps.pool.QueryRow(ctx, "SELECT document FROM upload_sessions WHERE id = $1", id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", hlerrors.ErrSessionNotFound, id)
		}
		return nil, &hlerrors.StoreError{Op: "load", SessionID: id, Err: err}
	}

	var s session.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, &hlerrors.StoreError{Op: "load", SessionID: id, Err: fmt.Errorf("corrupt session document: %w", err)}
	}
	return &s, nil
}

func (ps *PostgresStore) List(ctx context.Context) ([]session.Summary, error) {
	rows, err := ps.pool.Query(ctx, "SELECT document FROM upload_sessions ORDER BY created_at, id")
	if err != nil {
		return nil, &hlerrors.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, &hlerrors.StoreError{Op: "list", Err: err}
		}
		var s session.Session
		if err := json.Unmarshal(doc, &s); err != nil {
			ps.logger.Warn("skipping unreadable session document", "error", err)
			continue
		}
		out = append(out, s.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, &hlerrors.StoreError{Op: "list", Err: err}
	}
	return out, nil
}

func (ps *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := ps.pool.Exec(ctx, "DELETE FROM upload_sessions WHERE id = $1", id)
	if err != nil {
		return &hlerrors.StoreError{Op: "delete", SessionID: id, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", hlerrors.ErrSessionNotFound, id)
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (ps *PostgresStore) HealthCheck(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (ps *PostgresStore) Close() {
	ps.pool.Close()
}
