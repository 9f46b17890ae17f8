package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/promptrelay/promptrelay/internal/identity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_EnsureCallerRegistersReadonly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.EnsureCaller(ctx, "subject-1", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != identity.StatusReadonly {
		t.Errorf("new caller status = %s, want readonly", c.Status)
	}
	if c.CanCreate() {
		t.Error("readonly caller must not be allowed to create jobs")
	}

	// Ensuring again returns the same record.
	again, err := s.EnsureCaller(ctx, "subject-1", "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != c.ID || again.DisplayName != "Alice" {
		t.Errorf("second ensure = %+v, want same record", again)
	}
}

func TestStore_SetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureCaller(ctx, "subject-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, "subject-1", identity.StatusActive); err != nil {
		t.Fatal(err)
	}

	c, err := s.FindBySubject(ctx, "subject-1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.CanCreate() {
		t.Error("active caller should be allowed to create jobs")
	}

	if err := s.SetStatus(ctx, "no-such-subject", identity.StatusActive); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_FindUnknownSubject(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.FindBySubject(context.Background(), "nobody"); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
