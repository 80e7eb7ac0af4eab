/**
 * @description
 * Cache-aside storage for derived data (feature vectors, scorer results, account
 * lookups). The cache is never authoritative: callers treat every error, including
 * ErrMiss, as a reason to fall back to the source of truth.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client.
 */

package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or has expired.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented key/value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key formats for the entries written by the credit service.
const (
	FeatureKeyFormat = "user_features:%s"
	ScoreKeyFormat   = "ml_result:%s"
	UserEmailFormat  = "user_email:%s"
)

// FeatureKey is the cache key of a user's feature vector.
func FeatureKey(userID string) string { return fmt.Sprintf(FeatureKeyFormat, userID) }

// ScoreKey is the cache key of a user's last scorer result.
func ScoreKey(userID string) string { return fmt.Sprintf(ScoreKeyFormat, userID) }

// UserEmailKey is the cache key of the account registered under email.
func UserEmailKey(email string) string { return fmt.Sprintf(UserEmailFormat, email) }

// RedisCache implements Cache on top of Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps client. A non-empty prefix is joined to every key with ":".
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	return &RedisCache{client: client, prefix: trimmedPrefix}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get returns the raw value stored under key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, ErrMiss
	}
	value, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
