// Package cache provides an advisory, eventually-consistent key/value
// store with per-entry TTL. A miss never errors — callers always fall
// back to a live fetch. See spec §4.2.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/logger"
)

// entry is a single cached value with bookkeeping for TTL eviction and
// LRU eviction once maxSize is reached.
type entry struct {
	value      interface{}
	expiresAt  time.Time
	accessedAt time.Time
}

// Stats captures cumulative counters for a single TTLCache instance.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Sets      int64
}

// Cache is the interface every phase worker and the Quota Manager
// depend on; both TTLCache and a Redis-backed implementation satisfy
// it interchangeably.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl ...time.Duration)
	Delete(key string)
}

// TTLCache is a thread-safe, in-memory cache with TTL and LRU eviction.
// It is the default Cache implementation.
type TTLCache struct {
	mu         sync.RWMutex
	items      map[string]*entry
	defaultTTL time.Duration
	maxSize    int
	stats      Stats
	statsMu    sync.Mutex
	log        logger.Logger
	stopCh     chan struct{}
}

// NewTTLCache creates a cache with the given default TTL and maximum
// entry count. A background goroutine periodically sweeps expired
// entries; call Close to stop it.
func NewTTLCache(defaultTTL time.Duration, maxSize int) *TTLCache {
	c := &TTLCache{
		items:      make(map[string]*entry),
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
		log:        logger.New("cache"),
		stopCh:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the background cleanup goroutine.
func (c *TTLCache) Close() {
	close(c.stopCh)
}

// Set inserts or overwrites a value. An explicit ttl overrides the
// cache's default.
func (c *TTLCache) Set(key string, value interface{}, ttl ...time.Duration) {
	expiry := c.defaultTTL
	if len(ttl) > 0 {
		expiry = ttl[0]
	}

	c.mu.Lock()
	if len(c.items) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.items[key] = &entry{
		value:      value,
		expiresAt:  time.Now().Add(expiry),
		accessedAt: time.Now(),
	}
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Sets++
	c.statsMu.Unlock()
}

// Get returns the cached value for key, or (nil, false) on a miss
// (including an expired entry — a miss is never an error).
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		c.recordMiss()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		c.statsMu.Lock()
		c.stats.Expired++
		c.stats.Misses++
		c.statsMu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	e.accessedAt = time.Now()
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
	return e.value, true
}

// GetOrLoad returns the cached value, loading and caching it via
// loader on a miss.
func (c *TTLCache) GetOrLoad(key string, ttl time.Duration, loader func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := loader()
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Delete removes key, if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Size returns the current entry count.
func (c *TTLCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Snapshot returns a copy of the cache's current statistics.
func (c *TTLCache) Snapshot() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *TTLCache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

// evictOldestLocked removes the least-recently-accessed entry. Caller
// must hold c.mu.
func (c *TTLCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.items {
		if oldestKey == "" || e.accessedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.accessedAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.statsMu.Lock()
		c.stats.Evictions++
		c.statsMu.Unlock()
	}
}

func (c *TTLCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *TTLCache) sweepExpired() {
	now := time.Now()
	var expired []string

	c.mu.RLock()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			expired = append(expired, k)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	c.mu.Lock()
	for _, k := range expired {
		delete(c.items, k)
	}
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Expired += int64(len(expired))
	c.statsMu.Unlock()

	c.log.Debug("swept expired cache entries", logger.Int("count", len(expired)))
}

// PipelineCache groups the two named sub-caches the pipeline needs:
// keyword-metric lookups (24h TTL per spec §4.2) and daily quota
// counters (TTL set per-service by the Quota Manager, see
// internal/quota).
type PipelineCache struct {
	KeywordMetrics Cache
	Quota          Cache
}

// NewPipelineCache builds the default in-memory sub-caches.
func NewPipelineCache() *PipelineCache {
	return &PipelineCache{
		KeywordMetrics: NewTTLCache(24*time.Hour, 50_000),
		Quota:          NewTTLCache(25*time.Hour, 1_000),
	}
}

// KeywordMetricKey builds the cache key for a (keyword, country) pair.
func KeywordMetricKey(keywordID, country string) string {
	return fmt.Sprintf("keyword-metric:%s:%s", keywordID, country)
}

// QuotaKey builds the cache key for a (service, date) counter.
func QuotaKey(service, date string) string {
	return fmt.Sprintf("quota:%s:%s", service, date)
}
