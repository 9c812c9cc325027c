package search

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes non-empty results of another searcher for a TTL.
type Cached struct {
	next  Searcher
	cache *expirable.LRU[string, []Document]
}

// NewCached wraps next with an LRU cache of size entries.
func NewCached(next Searcher, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, []Document](size, nil, ttl),
	}
}

// Search returns a cached result or queries next. Errors and empty results
// are not cached.
func (c *Cached) Search(ctx context.Context, query string) ([]Document, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if docs, ok := c.cache.Get(key); ok {
		return clone(docs), nil
	}
	docs, err := c.next.Search(ctx, query)
	if err != nil || len(docs) == 0 {
		return docs, err
	}
	c.cache.Add(key, clone(docs))
	return docs, nil
}

func clone(docs []Document) []Document {
	out := make([]Document, len(docs))
	copy(out, docs)
	return out
}
