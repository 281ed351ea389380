package pricefeed

import (
	"sync"
	"time"
)

// PriceCache holds recently fetched prices to avoid duplicate oracle calls
type PriceCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedPrice
	cacheTTL time.Duration
	now      func() time.Time
}

// cachedPrice represents a cached price with the time it was stored
type cachedPrice struct {
	data      PriceData
	timestamp time.Time
}

// NewPriceCache creates a new price cache
func NewPriceCache(cacheTTL time.Duration) *PriceCache {
	return &PriceCache{
		cache:    make(map[string]*cachedPrice),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Get retrieves a cached price if it's still valid
func (c *PriceCache) Get(symbol string) (PriceData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[symbol]
	if !exists {
		return PriceData{}, false
	}

	if c.now().Sub(cached.timestamp) >= c.cacheTTL {
		return PriceData{}, false
	}

	return cached.data, true
}

// Set stores a price stamped with the current time
func (c *PriceCache) Set(symbol string, data PriceData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[symbol] = &cachedPrice{
		data:      data,
		timestamp: c.now(),
	}
}

// Clear removes all cached entries
func (c *PriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedPrice)
}

// Len returns the number of entries, expired ones included
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
