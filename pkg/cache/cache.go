// Package cache provides an in-memory result cache keyed by query fingerprint.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

// TTL per research mode. Deeper modes cost more to recompute, so they
// stay cached longer.
const (
	ttlQuick    = 15 * time.Minute
	ttlStandard = 20 * time.Minute
	ttlDeep     = 30 * time.Minute
)

// TTLForMode returns how long a result for the given mode stays fresh.
func TTLForMode(mode models.Mode) time.Duration {
	switch mode {
	case models.ModeQuick:
		return ttlQuick
	case models.ModeDeep:
		return ttlDeep
	default:
		return ttlStandard
	}
}

// Fingerprint derives the cache key for a (query, mode) pair: the first
// 16 hex characters of SHA-256 over "query::mode". The query is hashed
// exactly as validated: same trimmed text, same key.
func Fingerprint(query string, mode models.Mode) string {
	sum := sha256.Sum256([]byte(query + "::" + string(mode)))
	return hex.EncodeToString(sum[:])[:16]
}

// cacheEntry holds a completed result with its expiry deadline.
type cacheEntry struct {
	result    models.ResearchResult
	expiresAt time.Time
}

// Cache is a thread-safe in-memory result cache with per-mode TTL
// expiration. Expired entries are cleaned up lazily on Get(); Sweep()
// exists for periodic cleanup of entries nobody asks for again.
// Stored results are treated as immutable; callers must not modify
// the citations slice of a returned result.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// New creates an empty result cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns the cached result for (query, mode) if present and not expired.
func (c *Cache) Get(query string, mode models.Mode) (models.ResearchResult, bool) {
	key := Fingerprint(query, mode)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return models.ResearchResult{}, false
	}

	if time.Now().After(entry.expiresAt) {
		// Expired; clean up lazily.
		// Re-check under write lock: a concurrent Set() may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return models.ResearchResult{}, false
	}

	return entry.result, true
}

// Set stores a completed result under the (query, mode) fingerprint with
// the mode's TTL.
func (c *Cache) Set(query string, mode models.Mode, result models.ResearchResult) {
	key := Fingerprint(query, mode)

	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		result:    result,
		expiresAt: time.Now().Add(TTLForMode(mode)),
	}
	c.mu.Unlock()
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
