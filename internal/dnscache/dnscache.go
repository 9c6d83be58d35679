// Package dnscache caches DNS resolutions for a fixed TTL so hot domains
// are not re-resolved on every request. Lookups for the same domain are
// serialized under the cache lock; failures are returned but never cached.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultTTL is used when the configured TTL is zero or negative.
const DefaultTTL = 5 * time.Minute

// LookupFunc resolves a host to its addresses. net.DefaultResolver's
// LookupHost signature; injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

type entry struct {
	addrs     []string
	expiresAt time.Time
}

// Cache is a TTL cache over a resolver.
type Cache struct {
	mu     sync.Mutex
	ttl    time.Duration
	lookup LookupFunc
	now    func() time.Time

	entries map[string]entry

	hits    int64
	misses  int64
	lookups int64
}

// New creates a cache over the default resolver.
func New(ttl time.Duration) *Cache {
	return NewWithLookup(ttl, net.DefaultResolver.LookupHost)
}

// NewWithLookup creates a cache over a custom resolver.
func NewWithLookup(ttl time.Duration, lookup LookupFunc) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		ttl:     ttl,
		lookup:  lookup,
		now:     time.Now,
		entries: map[string]entry{},
	}
}

// Resolve returns the cached addresses for host, resolving on a miss or an
// expired entry. The lock is held across the lookup so concurrent callers
// for the same host produce a single resolution.
func (c *Cache) Resolve(ctx context.Context, host string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if e, ok := c.entries[host]; ok && now.Before(e.expiresAt) {
		c.hits++
		return e.addrs, nil
	}

	c.misses++
	c.lookups++

	addrs, err := c.lookup(ctx, host)
	if err != nil {
		// Failures are not cached; the next call retries.
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	c.entries[host] = entry{addrs: addrs, expiresAt: now.Add(c.ttl)}

	return addrs, nil
}

// ClearExpired removes entries past their TTL and returns how many.
func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0

	for host, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, host)
			removed++
		}
	}

	return removed
}

// Stats reports cache effectiveness counters.
func (c *Cache) Stats() (hits, misses, lookups int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hits, c.misses, c.lookups, len(c.entries)
}
