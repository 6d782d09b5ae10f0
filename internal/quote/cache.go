// cache.go implements the TTL-bounded last-quote-by-symbol cache.
package quote

import (
	"sync"
	"time"

	"trigger-engine/pkg/types"
)

// sweepEvery throttles the stale-entry sweep.
const sweepEvery = time.Minute

// staleFactor: entries older than staleFactor×TTL are removed by the sweep,
// bounding memory for symbols no active trigger references anymore.
const staleFactor = 6

// Cache holds the freshest observed price per symbol. Holds on the mutex are
// microsecond-scale; no I/O happens under it.
type Cache struct {
	ttl time.Duration

	mu        sync.Mutex
	entries   map[string]types.Quote
	lastSweep time.Time
}

// NewCache creates a cache with the given freshness window.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:       ttl,
		entries:   make(map[string]types.Quote),
		lastSweep: time.Now(),
	}
}

// Get returns the cached quote iff it is still fresh.
func (c *Cache) Get(symbol string) (types.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.entries[symbol]
	if !ok || time.Since(q.ObservedAt) >= c.ttl {
		return types.Quote{}, false
	}
	return q, true
}

// Put records a fresh observation, overwriting any previous one.
func (c *Cache) Put(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = types.Quote{Symbol: symbol, Price: price, ObservedAt: time.Now()}
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaybeSweep removes long-stale entries, at most once per minute.
func (c *Cache) MaybeSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastSweep) < sweepEvery {
		return
	}
	c.lastSweep = time.Now()
	c.sweepLocked()
}

// Sweep removes long-stale entries unconditionally.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
}

func (c *Cache) sweepLocked() {
	cutoff := time.Now().Add(-staleFactor * c.ttl)
	for symbol, q := range c.entries {
		if q.ObservedAt.Before(cutoff) {
			delete(c.entries, symbol)
		}
	}
}
