package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryCleanupInterval = 5 * time.Minute

// MemoryCache is the single-process Cache used when no Redis URL is configured.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: gocache.New(gocache.NoExpiration, memoryCleanupInterval)}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.items.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

// IncrWithExpiry seeds the counter with the expiry on first use; later increments keep it.
func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	_ = c.items.Add(key, int64(0), expiry)
	n, err := c.items.IncrementInt64(key, 1)
	if err != nil {
		// The seed expired between Add and Increment.
		c.items.Set(key, int64(1), expiry)
		return 1, nil
	}
	return n, nil
}

func (c *MemoryCache) Close() error {
	c.items.Flush()
	return nil
}

var _ Cache = (*MemoryCache)(nil)
