// Package identity manages caller records and the approval workflow.
// Subjects are opaque strings; the relay compares them for equality and
// nothing else.
package identity

import (
	"context"
	"errors"
	"time"
)

// Status captures a caller's approval state. New callers start readonly:
// they may attach to streams but not create jobs until approved.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusReadonly Status = "readonly"
)

// ErrNotFound is returned when no caller matches the subject.
var ErrNotFound = errors.New("identity: caller not found")

// Caller is one registered identity.
type Caller struct {
	ID          int64
	Subject     string
	DisplayName string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanCreate reports whether the caller may start new jobs.
func (c *Caller) CanCreate() bool {
	return c.Status == StatusActive
}

// Store persists callers across SQLite/Postgres backends.
type Store interface {
	// EnsureCaller returns the caller for subject, registering a new
	// readonly record when none exists.
	EnsureCaller(ctx context.Context, subject, displayName string) (*Caller, error)
	FindBySubject(ctx context.Context, subject string) (*Caller, error)
	SetStatus(ctx context.Context, subject string, status Status) error
	Close() error
}
