package tiered_storage

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocatorCache remembers which tier last answered for a key. Entries are
// hints only: a stale or missing entry costs an extra lookup, never a wrong
// answer. A nil *LocatorCache is a disabled cache.
type LocatorCache struct {
	lru *expirable.LRU[string, StorageTierType]
}

// NewLocatorCache creates a cache of at most size entries, each living ttl.
func NewLocatorCache(size int, ttl time.Duration) *LocatorCache {
	if size <= 0 {
		size = 10000
	}
	return &LocatorCache{lru: expirable.NewLRU[string, StorageTierType](size, nil, ttl)}
}

// Hint returns the remembered tier for key.
func (c *LocatorCache) Hint(key string) (StorageTierType, bool) {
	if c == nil {
		return NoTier, false
	}
	return c.lru.Get(key)
}

func (c *LocatorCache) Note(key string, tier StorageTierType) {
	if c == nil {
		return
	}
	c.lru.Add(key, tier)
}

func (c *LocatorCache) Forget(key string) {
	if c == nil {
		return
	}
	c.lru.Remove(key)
}

func (c *LocatorCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
