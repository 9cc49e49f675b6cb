package directory

import (
	"context"
	"time"

	"github.com/bluele/gcache"

	"bus-tracker/internal/tracking"
	"bus-tracker/internal/transit"
)

var _ tracking.RouteInvalidator = (*RouteCache)(nil)

type CacheMetrics interface {
	RouteCacheHit()
	RouteCacheMiss()
}

// RouteCache keeps route snapshots in an LRU in front of another directory
// so route lookups stay cheap on every report. Vehicle calls pass through.
type RouteCache struct {
	tracking.Directory
	cache   gcache.Cache
	metrics CacheMetrics
}

func NewRouteCache(next tracking.Directory, size int, ttl time.Duration, metrics CacheMetrics) *RouteCache {
	if size <= 0 {
		size = 256
	}
	b := gcache.New(size).LRU()
	if ttl > 0 {
		b = b.Expiration(ttl)
	}
	return &RouteCache{Directory: next, cache: b.Build(), metrics: metrics}
}

// RouteByID serves a cached snapshot when present. Failed lookups are not
// cached. Callers must not modify the returned route.
func (c *RouteCache) RouteByID(ctx context.Context, id string) (*transit.Route, error) {
	if cached, err := c.cache.Get(id); err == nil {
		if r, ok := cached.(*transit.Route); ok {
			if c.metrics != nil {
				c.metrics.RouteCacheHit()
			}
			return r, nil
		}
	}
	if c.metrics != nil {
		c.metrics.RouteCacheMiss()
	}
	r, err := c.Directory.RouteByID(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(id, r)
	return r, nil
}

// Invalidate drops a route so the next lookup reads through.
func (c *RouteCache) Invalidate(id string) {
	c.cache.Remove(id)
}
