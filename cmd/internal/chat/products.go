package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"unisale/cmd/internal/metrics"
)

// DefaultProductRetryAfter is how long a failed product lookup is remembered before refetching.
const DefaultProductRetryAfter = 30 * time.Second

// ProductFetcher resolves product metadata from the catalog.
type ProductFetcher interface {
	GetProduct(ctx context.Context, id ProductID) (Product, error)
}

// ProductCache memoizes product metadata. A resolved product is never refetched; concurrent
// lookups for one id share a single fetch; a failed id is not refetched before RetryAfter.
type ProductCache struct {
	log        *slog.Logger
	fetcher    ProductFetcher
	retryAfter time.Duration
	now        func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	items    map[ProductID]Product
	failures map[ProductID]productFailure
}

type productFailure struct {
	at  time.Time
	err error
}

// NewProductCache constructs a cache in front of fetcher. retryAfter <= 0 uses the default.
func NewProductCache(log *slog.Logger, fetcher ProductFetcher, retryAfter time.Duration) *ProductCache {
	if log == nil {
		log = slog.Default()
	}
	if retryAfter <= 0 {
		retryAfter = DefaultProductRetryAfter
	}
	return &ProductCache{
		log:        log,
		fetcher:    fetcher,
		retryAfter: retryAfter,
		now:        time.Now,
		items:      make(map[ProductID]Product),
		failures:   make(map[ProductID]productFailure),
	}
}

// Get returns a cached product without fetching.
func (c *ProductCache) Get(id ProductID) (Product, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.items[id]
	return p, ok
}

// inBackoff reports whether id failed recently enough that Resolve would not refetch it.
func (c *ProductCache) inBackoff(id ProductID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failures[id]
	return ok && c.now().Sub(f.at) < c.retryAfter
}

// Resolve returns the product for id, fetching it at most once per success.
func (c *ProductCache) Resolve(ctx context.Context, id ProductID) (Product, error) {
	const op = "chat.ResolveProduct"

	c.mu.Lock()
	if p, ok := c.items[id]; ok {
		c.mu.Unlock()
		metrics.ProductLookups.WithLabelValues("hit").Inc()
		return p, nil
	}
	if f, ok := c.failures[id]; ok && c.now().Sub(f.at) < c.retryAfter {
		c.mu.Unlock()
		metrics.ProductLookups.WithLabelValues("backoff").Inc()
		return Product{}, OpError{Op: op, Kind: ErrProductResolutionFailed, Msg: "recent lookup failed", Err: f.err}
	}
	c.mu.Unlock()

	if c.fetcher == nil {
		return Product{}, OpError{Op: op, Kind: ErrProductResolutionFailed, Msg: "no catalog configured"}
	}

	// The shared fetch must outlive any single waiter's cancellation.
	v, err, _ := c.group.Do(string(id), func() (any, error) {
		p, err := c.fetcher.GetProduct(context.WithoutCancel(ctx), id)
		if err == nil && p.ID == "" {
			p.ID = id
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.failures[id] = productFailure{at: c.now(), err: err}
			return Product{}, err
		}
		delete(c.failures, id)
		c.items[id] = p
		return p, nil
	})
	if err != nil {
		metrics.ProductLookups.WithLabelValues("failed").Inc()
		c.log.Warn("product.resolve.failed", "product_id", string(id), "err", err)
		return Product{}, OpError{Op: op, Kind: ErrProductResolutionFailed, Err: err}
	}
	metrics.ProductLookups.WithLabelValues("fetched").Inc()
	return v.(Product), nil
}
