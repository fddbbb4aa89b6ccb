package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/redis/go-redis/v9"
)

// CacheService stores JSON-encoded dashboard reads in Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	CacheKeySummary    CacheKeyType = "dash:summary"
	CacheKeyDaily      CacheKeyType = "dash:daily"
	CacheKeyEvents     CacheKeyType = "dash:events"
	CacheKeyFunnel     CacheKeyType = "dash:funnel"
	CacheKeyEventNames CacheKeyType = "dash:event-names"
)

// DashboardKeyPattern matches every dashboard key
const DashboardKeyPattern = "dash:*"

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return strings.Join(parts, ":")
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, c.ttl); err != nil {
		return apperrors.NewCacheError("set "+key, err)
	}
	return nil
}

// Get decodes the cached value into dest. A missing key is a miss, not an error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, apperrors.NewCacheError("get "+key, err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("invalidate", err)
	}
	return nil
}

// InvalidatePattern removes all keys matching a pattern
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) error {
	keys, err := c.redis.Scan(ctx, pattern)
	if err != nil {
		return apperrors.NewCacheError("scan "+pattern, err)
	}
	return c.Invalidate(ctx, keys...)
}

// InvalidateDashboard drops every cached dashboard read. Called after sends,
// webhook updates and user writes so the next read sees fresh counters.
func (c *CacheService) InvalidateDashboard(ctx context.Context) error {
	return c.InvalidatePattern(ctx, DashboardKeyPattern)
}

// TTL returns the configured TTL for this cache service
func (c *CacheService) TTL() time.Duration {
	return c.ttl
}
