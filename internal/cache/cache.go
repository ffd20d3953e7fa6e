// Package cache provides an in-process TTL cache with stale-read fallback.
// Fresh reads honor the configured TTL while stale reads deliberately ignore
// it so callers can serve degraded data when the authoritative source is
// unavailable. The cache is unbounded: entries leave only through
// ForceRefresh or Clear.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value        V
	storedAt     time.Time
	lastAccessed time.Time
	accessCount  int64
}

// Stats is a point-in-time snapshot of the cache counters. Hits, Misses and
// StaleHits are cumulative for the lifetime of the cache; Size, OldestEntry
// and NewestEntry describe the current store contents.
type Stats struct {
	Hits        int64
	Misses      int64
	StaleHits   int64
	Size        int
	OldestEntry time.Time
	NewestEntry time.Time
}

// Cache is a mutex-guarded TTL cache holding values of a single type V.
// A zero TTL falls back to a conservative default so a misconfigured
// instance still expires entries.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry[V]
	hits      int64
	misses    int64
	staleHits int64
}

// New constructs a cache whose entries expire ttl after their last Set.
func New[V any](ttl time.Duration) *Cache[V] {
	return NewWithClock[V](ttl, nil)
}

// NewWithClock constructs a cache that reads time through now. Callers that
// inject their own clock use this so entry expiry follows the same time
// source as the rest of their bookkeeping. A nil now means the wall clock.
func NewWithClock[V any](ttl time.Duration, now func() time.Time) *Cache[V] {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*entry[V]),
	}
}

// Set inserts or overwrites the entry for key. Overwriting resets the
// expiration clock; access bookkeeping starts over for the new value.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry[V]{value: value, storedAt: c.now()}
}

// Get returns the value for key while it is still fresh. Expired entries are
// reported as misses but remain in the store so GetStale can serve them.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	e.lastAccessed = c.now()
	e.accessCount++
	return e.value, true
}

// GetStale returns the last-set value for key regardless of expiration.
// Reads of expired entries are counted separately so observers can tell
// degraded serving apart from fresh hits.
func (c *Cache[V]) GetStale(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.expired(e) {
		c.staleHits++
	} else {
		c.hits++
	}
	e.lastAccessed = c.now()
	e.accessCount++
	return e.value, true
}

// Has reports whether key is present, disregarding TTL.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// IsExpired reports whether key is past its TTL. Missing keys count as
// expired so callers can treat both cases as "needs refresh".
func (c *Cache[V]) IsExpired(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return true
	}
	return c.expired(e)
}

// ForceRefresh deletes the entry for key unconditionally so the next read
// goes back to the source.
func (c *Cache[V]) ForceRefresh(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// TimeToExpiration returns the remaining freshness window for key. The
// duration is negative once the entry has expired. The second return value
// is false when the key is absent.
func (c *Cache[V]) TimeToExpiration(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return c.ttl - c.now().Sub(e.storedAt), true
}

// Clear empties the store. Cumulative hit/miss/stale counters survive so
// long-running stats stay meaningful across clears.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Stats returns a snapshot copy of the cache counters and store shape.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		StaleHits: c.staleHits,
		Size:      len(c.entries),
	}
	for _, e := range c.entries {
		if s.OldestEntry.IsZero() || e.storedAt.Before(s.OldestEntry) {
			s.OldestEntry = e.storedAt
		}
		if e.storedAt.After(s.NewestEntry) {
			s.NewestEntry = e.storedAt
		}
	}
	return s
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.storedAt) > c.ttl
}
