package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/arbor-social/arbor/pkg/config"
	"github.com/arbor-social/arbor/pkg/logging"
)

// Cache wraps Redis client
type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache client
func New(cfg *config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Redis cache disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetLogger().Info("Redis connection established")

	return &Cache{client: client}, nil
}

// namespaceKey prefixes a key with the application namespace
func (c *Cache) namespaceKey(key string) string {
	return "arbor:" + key
}

// HashKey builds a stable cache key from its parts
func HashKey(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// Get retrieves a value from cache
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if c == nil || c.client == nil {
		return "", ErrCacheDisabled
	}
	return c.client.Get(ctx, c.namespaceKey(key)).Result()
}

// Set sets a value in cache with TTL
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Set(ctx, c.namespaceKey(key), value, ttl).Err()
}

// Delete removes a key from cache
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Del(ctx, c.namespaceKey(key)).Err()
}

// Exists checks if a key exists
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if c == nil || c.client == nil {
		return false, ErrCacheDisabled
	}
	count, err := c.client.Exists(ctx, c.namespaceKey(key)).Result()
	return count > 0, err
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Health checks Redis health
func (c *Cache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}

var (
	// ErrCacheDisabled is returned when cache operations are attempted but cache is disabled
	ErrCacheDisabled = fmt.Errorf("cache is disabled")
)
