package deckhand

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fingerprint returns a deterministic SHA-256 hex digest over a
// workflow id, version, and input. encoding/json sorts map keys, so
// equal inputs fingerprint identically regardless of insertion order.
func Fingerprint(definitionID string, version int, input map[string]any) (string, error) {
	payload := struct {
		ID      string         `json:"id"`
		Version int            `json:"version"`
		Input   map[string]any `json:"input"`
	}{definitionID, version, input}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", Errorf(KindValidation, "input is not serializable").Wrap(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// ResultCache memoizes expensive artifacts by request fingerprint with
// at most one producer in flight per fingerprint. Concurrent callers
// for the same fingerprint share a single computation; failures are
// returned to every waiter and never cached.
type ResultCache struct {
	ttl    time.Duration
	max    int
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// CacheOption configures a ResultCache.
type CacheOption func(*ResultCache)

// WithCacheTTL sets how long entries stay valid. Zero (default) means
// entries never expire.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(c *ResultCache) { c.ttl = d }
}

// WithCacheMaxEntries bounds the cache size. When full, the oldest
// entry is evicted. Zero (default) means unbounded.
func WithCacheMaxEntries(n int) CacheOption {
	return func(c *ResultCache) { c.max = n }
}

// WithCacheLogger sets the logger. Defaults to a no-op logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *ResultCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewResultCache creates an empty cache.
func NewResultCache(opts ...CacheOption) *ResultCache {
	c := &ResultCache{
		entries: make(map[string]cacheEntry),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for fingerprint, if present and fresh.
func (c *ResultCache) Get(fingerprint string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a fresh value may have landed.
		if cur, still := c.entries[fingerprint]; still && cur.storedAt.Equal(entry.storedAt) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Do returns the cached value for fingerprint or computes it with fn.
// The boolean reports whether the value came from cache. Concurrent
// callers with the same fingerprint share one fn execution; errors
// propagate to all of them and leave the cache unchanged.
func (c *ResultCache) Do(ctx context.Context, fingerprint string, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.Get(fingerprint); ok {
		return v, true, nil
	}
	v, err, shared := c.group.Do(fingerprint, func() (any, error) {
		// Another caller may have filled the cache while we queued.
		if v, ok := c.Get(fingerprint); ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.put(fingerprint, v)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, shared, nil
}

// Invalidate drops one fingerprint.
func (c *ResultCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	delete(c.entries, fingerprint)
	c.mu.Unlock()
}

// Purge drops everything.
func (c *ResultCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of cached entries, including any not yet
// expired lazily.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ResultCache) put(fingerprint string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && len(c.entries) >= c.max {
		if _, exists := c.entries[fingerprint]; !exists {
			c.evictOldestLocked()
		}
	}
	c.entries[fingerprint] = cacheEntry{value: v, storedAt: time.Now()}
}

func (c *ResultCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.logger.Debug("evicted cache entry", "fingerprint", oldestKey)
	}
}
