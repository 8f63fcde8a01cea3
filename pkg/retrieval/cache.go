package retrieval

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/WebFirstLanguage/weeb3/internal/metrics"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// Getter returns the validated data of a chunk.
type Getter interface {
	Get(ctx context.Context, addr swarm.Address) ([]byte, error)
}

// CachingGetter keeps recently retrieved chunks in memory. Chunks are
// immutable for their address, so entries never need invalidation.
type CachingGetter struct {
	getter  Getter
	cache   *lru.Cache[swarm.Address, []byte]
	metrics *metrics.Metrics
}

// NewCachingGetter wraps g with an LRU of size entries. A size of zero
// disables caching.
func NewCachingGetter(g Getter, size int, m *metrics.Metrics) (*CachingGetter, error) {
	if m == nil {
		m = metrics.New(nil)
	}
	c := &CachingGetter{getter: g, metrics: m}
	if size > 0 {
		cache, err := lru.New[swarm.Address, []byte](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create chunk cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Get implements Getter.
func (c *CachingGetter) Get(ctx context.Context, addr swarm.Address) ([]byte, error) {
	if c.cache == nil {
		return c.getter.Get(ctx, addr)
	}
	if data, ok := c.cache.Get(addr); ok {
		c.metrics.CacheHits.Inc()
		return data, nil
	}
	c.metrics.CacheMisses.Inc()

	data, err := c.getter.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.cache.Add(addr, data)
	return data, nil
}

// Len returns the number of cached chunks.
func (c *CachingGetter) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
