package price

import (
	"sync"
	"time"

	"github.com/wattrules/wattrules/pkg/types"
	"golang.org/x/sync/singleflight"
)

// siteCacheBlock is how long a fetched series stays fresh. Amber updates
// estimates frequently but we don't need sub-minute freshness.
const siteCacheBlock = 30 * time.Second

// siteCache holds fetched price series keyed by site ID. Prices are per
// site, not per user, so users sharing a site reuse one upstream fetch.
type siteCache struct {
	mu      sync.Mutex
	entries map[string]siteCacheEntry
	flight  singleflight.Group
}

type siteCacheEntry struct {
	prices    []types.Price
	fetchedAt time.Time
}

func newSiteCache() *siteCache {
	return &siteCache{entries: make(map[string]siteCacheEntry)}
}

// fetch returns the cached series for the site while it's still within the
// current block, otherwise runs fn, sharing one call across concurrent
// callers for the same site.
func (c *siteCache) fetch(siteID string, fn func() ([]types.Price, error)) ([]types.Price, error) {
	now := time.Now()
	c.mu.Lock()
	if e, ok := c.entries[siteID]; ok && !now.Truncate(siteCacheBlock).After(e.fetchedAt) {
		prices := e.prices
		c.mu.Unlock()
		return prices, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(siteID, func() (interface{}, error) {
		prices, err := fn()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[siteID] = siteCacheEntry{prices: prices, fetchedAt: now.Truncate(siteCacheBlock)}
		c.mu.Unlock()
		return prices, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Price), nil
}
