package token

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sakha-crm/assistant/pkg/cache"
)

// RedisCSRFStore keeps CSRF tokens in the shared cache so a token issued by
// one replica verifies on any other. Expiry is enforced by the key TTL;
// an expired token is indistinguishable from one that never existed.
type RedisCSRFStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewRedisCSRFStore creates a CSRFStore backed by the given Redis cache.
func NewRedisCSRFStore(c *cache.Cache, ttl time.Duration) *RedisCSRFStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCSRFStore{cache: c, ttl: ttl}
}

// Issue creates a fresh CSRF token bound to the given user.
func (s *RedisCSRFStore) Issue(ctx context.Context, userID string) (string, error) {
	csrf, err := newCSRFToken()
	if err != nil {
		return "", err
	}
	if err := s.cache.Set(ctx, "csrf:"+csrf, userID, s.ttl); err != nil {
		return "", fmt.Errorf("token: storing csrf token: %w", err)
	}
	return csrf, nil
}

// Verify checks that the CSRF token is present in the cache and belongs to
// the given user.
func (s *RedisCSRFStore) Verify(ctx context.Context, csrf, userID string) error {
	if csrf == "" {
		return ErrCSRFMissing
	}
	owner, err := s.cache.Get(ctx, "csrf:"+csrf)
	if err != nil {
		return fmt.Errorf("token: looking up csrf token: %w", err)
	}
	if owner == "" {
		return ErrCSRFUnknown
	}
	if owner != userID {
		log.Printf("token: csrf user mismatch for user %s", userID)
		return ErrCSRFUserMismatch
	}
	return nil
}
