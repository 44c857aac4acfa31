package generation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reBalance888/tunearena/internal/observability"
)

// DefaultCacheTTL is how long a generated track stays reusable.
const DefaultCacheTTL = 24 * time.Hour

// Cache memoizes generated tracks by request key with a fixed TTL.
// Expired entries are evicted lazily by Get and in bulk by Sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cachedTrack
	ttl     time.Duration
	now     func() time.Time

	// Stats
	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type cachedTrack struct {
	track     Track
	expiresAt time.Time
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache; ttl <= 0 uses DefaultCacheTTL.
func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{
		entries: make(map[string]cachedTrack),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the track stored under key if it has not expired.
func (c *Cache) Get(key string) (Track, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		observability.RecordCacheLookup("miss")
		return Track{}, false
	}

	if c.now().Before(entry.expiresAt) {
		c.hits.Add(1)
		observability.RecordCacheLookup("hit")
		return entry.track, true
	}

	// Expired: evict unless a concurrent Put already replaced it.
	c.mu.Lock()
	if current, ok := c.entries[key]; ok && !c.now().Before(current.expiresAt) {
		delete(c.entries, key)
		c.evicted.Add(1)
	}
	c.mu.Unlock()

	c.misses.Add(1)
	observability.RecordCacheLookup("expired")
	return Track{}, false
}

// Put stores track under key, replacing any previous entry.
func (c *Cache) Put(key string, track Track) {
	entry := cachedTrack{track: track, expiresAt: c.now().Add(c.ttl)}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	c.evicted.Add(uint64(removed))
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Size:     c.Len(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Evicted:  c.evicted.Load(),
		MaxAgeHr: c.ttl.Hours(),
	}
}

// CacheStats holds cache metrics
type CacheStats struct {
	Size     int     `json:"size"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	Evicted  uint64  `json:"evicted"`
	MaxAgeHr float64 `json:"maxAgeHours"`
}
