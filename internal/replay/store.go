// Package replay implements the used-token set backing single-use
// enforcement of confirmation tokens.
//
// Token verification is stateless, so this store is the one piece of shared
// state in the confirmation flow. Entries live only as long as the token
// they guard could still be redeemed. The Redis backing is preferred in
// deployments: it keeps replay protection across process restarts within a
// token's lifetime window, which a purely in-memory set cannot.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sakha-crm/assistant/pkg/cache"
)

// Store records redeemed token IDs. MarkUsed is an atomic test-and-set:
// it returns true exactly once per token ID within the TTL, so of two
// concurrent redemptions at most one succeeds.
type Store interface {
	MarkUsed(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
}

// RedisStore is the shared-cache backing, usable across replicas.
type RedisStore struct {
	cache *cache.Cache
}

// NewRedisStore creates a Store backed by the given Redis cache.
func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

// MarkUsed sets the used marker if absent, in a single atomic operation.
func (s *RedisStore) MarkUsed(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		// Already-expired tokens never reach here, but guard the TTL anyway
		// so a marker cannot be written without an expiry.
		ttl = time.Second
	}
	first, err := s.cache.SetNX(ctx, "action:used:"+tokenID, "1", ttl)
	if err != nil {
		return false, fmt.Errorf("replay: marking token used: %w", err)
	}
	return first, nil
}

// MemoryStore is the single-process fallback used when Redis is unavailable.
// Expired entries are evicted lazily on each call.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time // tokenID -> expiry
}

// NewMemoryStore creates an in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]time.Time)}
}

// SetClock overrides the store's time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// MarkUsed records the token ID if it is not already present and unexpired.
func (s *MemoryStore) MarkUsed(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, id)
		}
	}

	if expiry, ok := s.entries[tokenID]; ok && now.Before(expiry) {
		return false, nil
	}
	s.entries[tokenID] = now.Add(ttl)
	return true, nil
}
