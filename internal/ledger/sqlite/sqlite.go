package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/promptrelay/promptrelay/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	caller_id INTEGER NOT NULL,
	job_id TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_caller_created ON usage_entries(caller_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.CallerID == 0 {
		return errors.New("ledger record requires caller id")
	}
	if entry.JobID == "" {
		return errors.New("ledger record requires job id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_entries(caller_id, job_id, model, prompt_tokens, completion_tokens, outcome, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.CallerID,
		entry.JobID,
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.Outcome,
		created,
	)
	return err
}

// Summary returns aggregated usage for the given caller.
func (s *Store) Summary(ctx context.Context, callerID int64) (ledger.Summary, error) {
	if callerID == 0 {
		return ledger.Summary{}, errors.New("caller id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
FROM usage_entries
WHERE caller_id = ?`, callerID)

	var summary ledger.Summary
	if err := row.Scan(&summary.Jobs, &summary.PromptTokens, &summary.CompletionTokens); err != nil {
		return ledger.Summary{}, err
	}
	return summary, nil
}

// ListRecent returns the latest entries for a caller.
func (s *Store) ListRecent(ctx context.Context, callerID int64, limit int) ([]ledger.Entry, error) {
	if callerID == 0 {
		return nil, errors.New("caller id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, caller_id, job_id, model, prompt_tokens, completion_tokens, outcome, created_at
FROM usage_entries
WHERE caller_id = ?
ORDER BY created_at DESC
LIMIT ?`, callerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.CallerID, &e.JobID, &e.Model, &e.PromptTokens, &e.CompletionTokens, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
