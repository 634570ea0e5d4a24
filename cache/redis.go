package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge/taskforge/core"
)

// RedisCacheConfig configures the Redis-backed workflow cache.
type RedisCacheConfig struct {
	// KeyPrefix is the prefix for all cache keys.
	// Default: "taskforge:cache"
	KeyPrefix string `json:"key_prefix"`

	// TTL is how long entries stay valid. Redis enforces it server-side.
	// Default: 1 hour.
	TTL time.Duration `json:"ttl"`

	// Logger is an optional logger for cache operations.
	Logger core.Logger `json:"-"`
}

// DefaultRedisCacheConfig returns default configuration.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		KeyPrefix: "taskforge:cache",
		TTL:       time.Hour,
	}
}

// RedisCache implements WorkflowCache on Redis strings with server-side
// expiry. Entries are stored as JSON under {prefix}:entry:{key}.
type RedisCache struct {
	client *redis.Client
	config RedisCacheConfig
	logger core.Logger
}

// NewRedisCache creates a Redis-backed workflow cache. The client should
// already be connected.
func NewRedisCache(client *redis.Client, config *RedisCacheConfig) *RedisCache {
	if config == nil {
		defaultConfig := DefaultRedisCacheConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:cache"
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	return &RedisCache{
		client: client,
		config: *config,
		logger: core.EnsureLogger(config.Logger),
	}
}

func (c *RedisCache) entryKey(key string) string {
	return fmt.Sprintf("%s:entry:%s", c.config.KeyPrefix, key)
}

// Get returns the cached value, or ok=false when absent or expired.
func (c *RedisCache) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	data, err := c.client.Get(ctx, c.entryKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.WarnWithContext(ctx, "Discarding undecodable cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		_ = c.client.Del(ctx, c.entryKey(key)).Err()
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set stores a value under the key with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value map[string]interface{}) error {
	entry := Entry{Key: key, Value: value, StoredAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache set: serializing entry: %w", err)
	}
	if err := c.client.Set(ctx, c.entryKey(key), data, c.config.TTL).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete removes the entry for the key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes all entries under the configured prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	pattern := fmt.Sprintf("%s:entry:*", c.config.KeyPrefix)

	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("cache clear: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache clear: %w", err)
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			return nil
		}
	}
}

// All returns every live entry under the configured prefix.
func (c *RedisCache) All(ctx context.Context) ([]Entry, error) {
	pattern := fmt.Sprintf("%s:entry:*", c.config.KeyPrefix)

	var entries []Entry
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache list: %w", err)
		}
		for _, k := range keys {
			data, err := c.client.Get(ctx, k).Result()
			if err != nil {
				continue // entry expired between scan and get
			}
			var entry Entry
			if err := json.Unmarshal([]byte(data), &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		cursor = nextCursor
		if cursor == 0 {
			return entries, nil
		}
	}
}
