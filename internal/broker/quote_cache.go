package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// QuoteSource is anything that can return a latest quote.
type QuoteSource interface {
	GetLatestQuote(ctx context.Context, symbol string) (*Quote, error)
}

// CachedQuotes keeps recent quotes for a short TTL so a monitor pass over many
// positions sharing legs or an underlying makes one broker call per symbol.
type CachedQuotes struct {
	source QuoteSource
	cache  *ristretto.Cache
	ttl    time.Duration
}

// NewCachedQuotes wraps source with a ristretto cache. A non-positive ttl disables caching.
func NewCachedQuotes(source QuoteSource, ttl time.Duration) (*CachedQuotes, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     2000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating quote cache: %w", err)
	}
	return &CachedQuotes{source: source, cache: cache, ttl: ttl}, nil
}

// GetLatestQuote returns a cached copy when fresh and fetches otherwise.
// Errors are never cached.
func (c *CachedQuotes) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	if c.ttl > 0 {
		if v, ok := c.cache.Get(symbol); ok {
			if q, ok := v.(Quote); ok {
				return &q, nil
			}
		}
	}
	q, err := c.source.GetLatestQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 && q != nil {
		c.cache.SetWithTTL(symbol, *q, 1, c.ttl)
	}
	return q, nil
}

// Invalidate drops a symbol so the next read goes to the source.
func (c *CachedQuotes) Invalidate(symbol string) {
	c.cache.Del(symbol)
}

// Wait blocks until buffered writes are applied.
func (c *CachedQuotes) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *CachedQuotes) Close() {
	c.cache.Close()
}
