package scraper

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CachingFetcher remembers successful fetches by URL for a limited time and
// collapses concurrent fetches of the same URL into one.
type CachingFetcher struct {
	next    Fetcher
	cache   *expirable.LRU[string, *Document]
	group   singleflight.Group
	metrics *Metrics
}

// NewCachingFetcher wraps next with an LRU of size entries that expire after ttl.
func NewCachingFetcher(next Fetcher, size int, ttl time.Duration, metrics *Metrics) *CachingFetcher {
	return &CachingFetcher{
		next:    next,
		cache:   expirable.NewLRU[string, *Document](size, nil, ttl),
		metrics: metrics,
	}
}

// Fetch implements Fetcher. Failures are never cached.
func (c *CachingFetcher) Fetch(ctx context.Context, req *FetchRequest) (*Document, error) {
	if doc, ok := c.cache.Get(req.URL); ok {
		c.metrics.IncCacheLookup(true)
		return doc, nil
	}
	c.metrics.IncCacheLookup(false)

	v, err, _ := c.group.Do(req.URL, func() (any, error) {
		if doc, ok := c.cache.Get(req.URL); ok {
			return doc, nil
		}
		doc, err := c.next.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		c.cache.Add(req.URL, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// Len returns the number of cached documents.
func (c *CachingFetcher) Len() int {
	return c.cache.Len()
}
