// Package cache memoizes raster probes and plot-boundary queries across
// jobs, with a process-local and a Redis-backed implementation.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agriscope/gleaner/internal/metrics"
)

// Cache provides thread-safe caching with expiration support.
type Cache interface {
	// Get retrieves a value. Returns (nil, false) when absent or expired.
	Get(key string) (any, bool)
	// Set stores a value with the specified TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value.
	Delete(key string)
	// Clear removes all values.
	Clear()
	// Stats returns cache statistics.
	Stats() CacheStats
	// Close releases background resources.
	Close() error
}

// CacheStats holds cache performance counters.
type CacheStats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type entry struct {
	value      any
	expiration time.Time
}

func (e *entry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// memoryCache is the in-process Cache. Counters are atomics so reads can
// stay on the RLock path.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	janitor *janitor

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// NewMemoryCache creates an in-memory cache. A positive cleanupInterval
// starts a janitor that evicts expired entries in the background.
func NewMemoryCache(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
	}
	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}
	return c
}

func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found || e.isExpired() {
		c.misses.Add(1)
		metrics.IncCacheOp("miss")
		return nil, false
	}
	c.hits.Add(1)
	metrics.IncCacheOp("hit")
	return e.value, true
}

func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = &entry{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
	c.mu.Unlock()
	c.sets.Add(1)
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

func (c *memoryCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		CurrentSize: size,
	}
}

func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	count := 0
	for key, e := range c.entries {
		if e.isExpired() {
			delete(c.entries, key)
			count++
		}
	}
	c.mu.Unlock()

	c.evictions.Add(int64(count))
	return count
}

func (c *memoryCache) Close() error {
	if c.janitor != nil {
		c.janitor.stopOnce.Do(func() { close(c.janitor.stop) })
	}
	return nil
}

// janitor periodically evicts expired entries.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}

// noOpCache disables caching entirely.
type noOpCache struct{}

// NewNoOpCache creates a cache that never stores anything.
func NewNoOpCache() Cache {
	return &noOpCache{}
}

func (c *noOpCache) Get(key string) (any, bool)                   { return nil, false }
func (c *noOpCache) Set(key string, value any, ttl time.Duration) {}
func (c *noOpCache) Delete(key string)                            {}
func (c *noOpCache) Clear()                                       {}
func (c *noOpCache) Stats() CacheStats                            { return CacheStats{} }
func (c *noOpCache) Close() error                                 { return nil }
