// Package postgres provides a PostgreSQL implementation of the identity
// store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/promptrelay/promptrelay/internal/identity"
)

// Store implements identity.Store for PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sensible defaults for connection pooling.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// New creates a new PostgreSQL identity store with the given DSN.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS callers (
	id BIGSERIAL PRIMARY KEY,
	subject TEXT NOT NULL UNIQUE,
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'readonly',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_callers_status ON callers(status);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureCaller returns the caller for subject, inserting a readonly
// record when the subject is new.
func (s *Store) EnsureCaller(ctx context.Context, subject, displayName string) (*identity.Caller, error) {
	if subject == "" {
		return nil, errors.New("identity: subject required")
	}
	row := s.db.QueryRowContext(ctx, `
INSERT INTO callers (subject, display_name, status)
VALUES ($1, $2, $3)
ON CONFLICT (subject) DO UPDATE SET updated_at = callers.updated_at
RETURNING id, subject, COALESCE(display_name, ''), status, created_at, updated_at`,
		subject, displayName, identity.StatusReadonly)
	var c identity.Caller
	if err := row.Scan(&c.ID, &c.Subject, &c.DisplayName, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("ensure caller: %w", err)
	}
	return &c, nil
}

// FindBySubject loads one caller by its opaque subject.
func (s *Store) FindBySubject(ctx context.Context, subject string) (*identity.Caller, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject, COALESCE(display_name, ''), status, created_at, updated_at FROM callers WHERE subject = $1`,
		subject)
	var c identity.Caller
	if err := row.Scan(&c.ID, &c.Subject, &c.DisplayName, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("scan caller: %w", err)
	}
	return &c, nil
}

// SetStatus updates the approval state for a subject.
func (s *Store) SetStatus(ctx context.Context, subject string, status identity.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE callers SET status = $1, updated_at = NOW() WHERE subject = $2`,
		status, subject)
	if err != nil {
		return fmt.Errorf("update caller status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}
