package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/promptrelay/promptrelay/internal/identity"
)

// Store implements identity.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite identity store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL UNIQUE,
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'readonly',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
	existing, err := s.FindBySubject(ctx, subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO callers (subject, display_name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		subject, displayName, identity.StatusReadonly, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert caller: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("caller id: %w", err)
	}
	return &identity.Caller{
		ID:          id,
		Subject:     subject,
		DisplayName: displayName,
		Status:      identity.StatusReadonly,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// FindBySubject loads one caller by its opaque subject.
func (s *Store) FindBySubject(ctx context.Context, subject string) (*identity.Caller, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject, COALESCE(display_name, ''), status, created_at, updated_at FROM callers WHERE subject = ?`,
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
		`UPDATE callers SET status = ?, updated_at = ? WHERE subject = ?`,
		status, time.Now().UTC(), subject)
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
