// Package cache provides the content-addressed workflow result cache.
// Keys are derived from (task_id, workflow_type, canonical params); see Key.
// Entries expire after a configurable TTL, enforced on read: an expired
// entry is deleted and reported as absent.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached workflow outcome.
type Entry struct {
	Key      string                 `json:"key"`
	Value    map[string]interface{} `json:"value"`
	StoredAt time.Time              `json:"stored_at"`
}

// Stats provides cache performance counters.
type Stats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// WorkflowCache stores pipeline outputs keyed by content hash.
// Implementations must be safe for concurrent use.
type WorkflowCache interface {
	// Get returns the cached value, or ok=false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value map[string]interface{}, ok bool, err error)

	// Set stores a value under the key, overwriting any previous entry.
	Set(ctx context.Context, key string, value map[string]interface{}) error

	// Delete removes the entry for the key, if any.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// All returns every non-expired entry.
	All(ctx context.Context) ([]Entry, error)
}

// MemoryCacheConfig configures the in-memory workflow cache.
type MemoryCacheConfig struct {
	// TTL is how long entries stay valid. Default: 1 hour.
	TTL time.Duration
}

// MemoryCache is the default in-process WorkflowCache: a plain map with
// per-key expiry checked on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration
	stats   Stats
}

// NewMemoryCache creates an in-memory workflow cache.
func NewMemoryCache(config *MemoryCacheConfig) *MemoryCache {
	ttl := time.Hour
	if config != nil && config.TTL > 0 {
		ttl = config.TTL
	}
	return &MemoryCache{
		entries: make(map[string]*Entry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) expired(e *Entry, now time.Time) bool {
	return e.StoredAt.Add(c.ttl).Before(now)
}

// Get returns the cached value unless the entry is absent or past its TTL.
func (c *MemoryCache) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found {
		c.stats.Misses++
		return nil, false, nil
	}
	if c.expired(e, time.Now()) {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false, nil
	}
	c.stats.Hits++
	return e.Value, true, nil
}

// Set stores a value under the key.
func (c *MemoryCache) Set(ctx context.Context, key string, value map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry{Key: key, Value: value, StoredAt: time.Now()}
	return nil
}

// Delete removes the entry for the key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Clear removes all entries.
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	return nil
}

// All returns every non-expired entry, dropping expired ones on the way.
func (c *MemoryCache) All(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]Entry, 0, len(c.entries))
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
			c.stats.Evictions++
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// Stats returns cache performance counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Size = len(c.entries)
	return stats
}
