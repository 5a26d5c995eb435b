package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes another embedder's vectors by exact input text.
// Queries repeat across turns far more often than their embeddings change.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache holding up to maxItems vectors.
func NewCachedEmbedder(inner Embedder, maxItems int64) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if v, ok := e.cache.Get(text); ok {
		return v.(Vector), nil
	}
	v, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, v, 1)
	return v, nil
}

func (e *CachedEmbedder) Dims() int { return e.inner.Dims() }

// Wait blocks until pending cache writes are visible.
func (e *CachedEmbedder) Wait() { e.cache.Wait() }

// Close releases the cache's background goroutines.
func (e *CachedEmbedder) Close() { e.cache.Close() }
