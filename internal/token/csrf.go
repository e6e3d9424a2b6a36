package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// CSRF verification failures.
var (
	ErrCSRFMissing      = errors.New("token: csrf token is missing")
	ErrCSRFUnknown      = errors.New("token: csrf token is invalid")
	ErrCSRFExpired      = errors.New("token: csrf token has expired")
	ErrCSRFUserMismatch = errors.New("token: csrf token does not belong to this user")
)

// CSRFStore issues and verifies per-user anti-forgery tokens with a fixed
// TTL. A stolen action token alone is insufficient to redeem a confirmation
// when the action token was issued with a CSRF binding.
type CSRFStore interface {
	Issue(ctx context.Context, userID string) (string, error)
	Verify(ctx context.Context, csrf, userID string) error
}

// maxCSRFEntries bounds the in-memory store; lazy sweeps run past this size.
const maxCSRFEntries = 1000

type csrfEntry struct {
	userID    string
	expiresAt time.Time
}

// MemoryCSRFStore is the single-process CSRFStore used when Redis is
// unavailable.
type MemoryCSRFStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]csrfEntry
}

// NewMemoryCSRFStore creates a MemoryCSRFStore with the given token lifetime.
func NewMemoryCSRFStore(ttl time.Duration) *MemoryCSRFStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCSRFStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]csrfEntry),
	}
}

// SetClock overrides the store's time source. Tests only.
func (s *MemoryCSRFStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Issue creates a fresh CSRF token bound to the given user.
func (s *MemoryCSRFStore) Issue(ctx context.Context, userID string) (string, error) {
	csrf, err := newCSRFToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= maxCSRFEntries {
		s.sweep()
	}
	s.entries[csrf] = csrfEntry{userID: userID, expiresAt: s.now().Add(s.ttl)}
	return csrf, nil
}

// Verify checks that the CSRF token exists, has not expired, and belongs to
// the given user. Expired entries are evicted on lookup.
func (s *MemoryCSRFStore) Verify(ctx context.Context, csrf, userID string) error {
	if csrf == "" {
		return ErrCSRFMissing
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[csrf]
	if !ok {
		return ErrCSRFUnknown
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, csrf)
		return ErrCSRFExpired
	}
	if entry.userID != userID {
		log.Printf("token: csrf user mismatch for user %s", userID)
		return ErrCSRFUserMismatch
	}
	return nil
}

// sweep evicts expired entries. Caller must hold s.mu.
func (s *MemoryCSRFStore) sweep() {
	now := s.now()
	cleaned := 0
	for csrf, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, csrf)
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Printf("token: cleaned up %d expired csrf tokens", cleaned)
	}
}

func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generating csrf token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
