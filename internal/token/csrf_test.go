package token

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Both backings satisfy the store contract.
var (
	_ CSRFStore = (*MemoryCSRFStore)(nil)
	_ CSRFStore = (*RedisCSRFStore)(nil)
)

func TestCSRFIssueAndVerify(t *testing.T) {
	store := NewMemoryCSRFStore(time.Hour)
	ctx := context.Background()

	csrf, err := store.Issue(ctx, "U1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(csrf) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(csrf))
	}

	if err := store.Verify(ctx, csrf, "U1"); err != nil {
		t.Errorf("expected valid csrf, got %v", err)
	}
}

func TestCSRFUserBinding(t *testing.T) {
	store := NewMemoryCSRFStore(time.Hour)
	ctx := context.Background()

	csrf, err := store.Issue(ctx, "U1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := store.Verify(ctx, csrf, "U2"); !errors.Is(err, ErrCSRFUserMismatch) {
		t.Fatalf("expected ErrCSRFUserMismatch, got %v", err)
	}
}

func TestCSRFExpiry(t *testing.T) {
	store := NewMemoryCSRFStore(time.Hour)
	ctx := context.Background()
	base := time.Now()
	store.SetClock(func() time.Time { return base })

	csrf, err := store.Issue(ctx, "U1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	store.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	if err := store.Verify(ctx, csrf, "U1"); !errors.Is(err, ErrCSRFExpired) {
		t.Fatalf("expected ErrCSRFExpired, got %v", err)
	}

	// Expired entries are evicted on lookup.
	if err := store.Verify(ctx, csrf, "U1"); !errors.Is(err, ErrCSRFUnknown) {
		t.Fatalf("expected ErrCSRFUnknown after eviction, got %v", err)
	}
}

func TestCSRFMissingAndUnknown(t *testing.T) {
	store := NewMemoryCSRFStore(time.Hour)
	ctx := context.Background()

	if err := store.Verify(ctx, "", "U1"); !errors.Is(err, ErrCSRFMissing) {
		t.Fatalf("expected ErrCSRFMissing, got %v", err)
	}
	if err := store.Verify(ctx, "deadbeef", "U1"); !errors.Is(err, ErrCSRFUnknown) {
		t.Fatalf("expected ErrCSRFUnknown, got %v", err)
	}
}
