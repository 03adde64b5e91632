package certprobe

import (
	"context"
	"sync"
	"time"
)

// cacheEntry is a stored probe result — success or failure — plus the
// time it was fetched. A failed probe is cached too, so a persistently
// unreachable host is only re-dialed once per TTL instead of every
// iteration.
type cacheEntry struct {
	metadata  Metadata
	err       error
	fetchedAt time.Time
}

// Cache is a TTL-keyed store of certificate metadata, keyed by
// "host:port". It never evicts on a stale read — an expired entry is
// simply ignored and may be overwritten by the next successful probe.
// A TTL of 0 disables caching: every lookup is treated as a miss.
type Cache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	ttl  time.Duration
}

// NewCache returns an empty cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{data: make(map[string]cacheEntry), ttl: ttl}
}

// Get returns the cached result for key if it was fetched within the
// TTL — either the metadata from a successful probe, or the error from
// a failed one. A miss (including an expired entry) returns ok=false.
func (c *Cache) Get(key string) (metadata Metadata, err error, ok bool) {
	if c.ttl <= 0 {
		return Metadata{}, nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, found := c.data[key]
	if !found || time.Since(entry.fetchedAt) >= c.ttl {
		return Metadata{}, nil, false
	}
	return entry.metadata, entry.err, true
}

// Set unconditionally stores a successful probe's metadata for key,
// stamped with the current time.
func (c *Cache) Set(key string, metadata Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{metadata: metadata, fetchedAt: time.Now()}
}

// SetError unconditionally stores a failed probe's error for key, so
// the next lookup within the TTL fails fast instead of re-dialing a
// host that just refused the connection.
func (c *Cache) SetError(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{err: err, fetchedAt: time.Now()}
}

// Cleanup removes every entry whose TTL has elapsed. Unlike Get, which
// leaves expired entries in place to be silently overwritten, Cleanup is
// an explicit maintenance call; nothing in the probe loop invokes it
// automatically.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.data {
		if time.Since(entry.fetchedAt) >= c.ttl {
			delete(c.data, key)
		}
	}
}

// GetOrProbe returns the cached result for host:port if fresh —
// success or failure alike — otherwise performs a live Probe and caches
// whatever it returns.
func GetOrProbe(ctx context.Context, cache *Cache, host, port string, proto Protocol) (*Metadata, error) {
	key := host + ":" + port
	if cachedMeta, cachedErr, ok := cache.Get(key); ok {
		if cachedErr != nil {
			return nil, cachedErr
		}
		return &cachedMeta, nil
	}
	metadata, err := Probe(ctx, host, port, proto)
	if err != nil {
		cache.SetError(key, err)
		return nil, err
	}
	cache.Set(key, *metadata)
	return metadata, nil
}
