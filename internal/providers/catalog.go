package providers

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const catalogKey = "models"

// Catalog serves a provider's model listing from memory, refreshing it at
// most once per TTL. Concurrent callers observing an expired entry are
// collapsed into a single upstream fetch.
type Catalog struct {
	cache *gocache.Cache
	group singleflight.Group
	fetch func(ctx context.Context) ([]Model, error)
}

// NewCatalog wraps fetch in a TTL cache. A zero ttl uses CatalogTTL.
func NewCatalog(fetch func(ctx context.Context) ([]Model, error)) *Catalog {
	return &Catalog{
		cache: gocache.New(CatalogTTL, 2*CatalogTTL),
		fetch: fetch,
	}
}

// Models returns the cached catalogue, fetching it when stale. The fetch
// runs under the first caller's context; concurrent callers share its
// result.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	if v, ok := c.cache.Get(catalogKey); ok {
		return v.([]Model), nil
	}

	v, err, _ := c.group.Do(catalogKey, func() (any, error) {
		// Re-check under the flight: a refresh may have just landed.
		if v, ok := c.cache.Get(catalogKey); ok {
			return v.([]Model), nil
		}
		models, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(catalogKey, models)
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Model), nil
}

// Invalidate drops the cached catalogue so the next Models call refetches.
func (c *Catalog) Invalidate() {
	c.cache.Delete(catalogKey)
}
