// Package cache provides a Redis client wrapper for the assistant's shared
// state: used-token markers for confirmation replay protection, CSRF tokens,
// and per-user rate-limit counters. The server degrades to in-process
// fallbacks when Redis is not configured.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with assistant-specific operations.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new Redis cache client connected to the given address.
// The redisURL should be in "host:port" format.
func NewCache(ctx context.Context, redisURL, password string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisURL,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	// Verify connectivity
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", redisURL, err)
	}

	log.Printf("cache: connected to Redis at %s", redisURL)
	return &Cache{client: client}, nil
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		log.Println("cache: closing Redis connection")
		return c.client.Close()
	}
	return nil
}

// Get retrieves a value from the cache by key.
// Returns an empty string and no error if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores a key-value pair in the cache with the given TTL.
// A zero TTL means the key will not expire.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// SetNX stores a key-value pair only if the key does not already exist,
// returning true when the write happened. The set-and-expire is a single
// Redis operation, so concurrent callers racing on the same key see exactly
// one true result.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx %q: %w", key, err)
	}
	return ok, nil
}

// rateLimitLua atomically increments the counter and sets TTL only on the first
// request in the window. This prevents the TTL from being extended by subsequent
// requests, which would cause callers to be blocked longer than the intended window.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for a given key.
// It returns true if the request is allowed (under limit), false if rate-limited.
// The window TTL is set once on the first request and not extended by subsequent ones.
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)
	windowSeconds := int(window / time.Second)

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: rate limit check: %w", err)
	}

	return result <= maxRequests, nil
}
