// Package ledger records approximate token usage per finished job.
// It stores counts only, never response text.
package ledger

import (
	"context"
	"time"
)

// Entry represents the usage of one finished job.
type Entry struct {
	ID               int64     `json:"id"`
	CallerID         int64     `json:"caller_id"`
	JobID            string    `json:"job_id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Outcome          string    `json:"outcome"` // done or a relay error code
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates usage for one caller.
type Summary struct {
	Jobs             int64 `json:"jobs"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, callerID int64) (Summary, error)
	ListRecent(ctx context.Context, callerID int64, limit int) ([]Entry, error)
	Close() error
}

// ApproxTokens estimates a token count from a character count; the relay
// has no tokenizer, so 4 chars ~ 1 token as a steady approximation.
func ApproxTokens(chars int) int64 {
	if chars <= 0 {
		return 0
	}
	return int64(chars)/4 + 1
}
