// Package cached wraps another embedder with an in-process ristretto cache.
// The assistant embeds identical text often (repeated queries, reconcile
// passes), and a cache hit skips the model or the network entirely.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/vesperhq/vesper-go/memory"
)

// Embedder memoizes Embed results keyed by input text. Only successful
// results are cached; failures always reach the inner embedder again.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
	log   *zap.SugaredLogger
}

// New wraps inner with a cache of roughly maxBytes of vectors.
func New(inner memory.Embedder, maxBytes int64, logger *zap.SugaredLogger) (*Embedder, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cached: create cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache, log: logger}, nil
}

// Embed returns the cached vector for text, or delegates and caches.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			out := make([]float32, len(vec))
			copy(out, vec)
			return out, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)
	e.cache.Set(text, stored, int64(len(stored)*4))
	return vec, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Name returns the inner embedder's name. The cache is transparent to the
// index epoch: cached vectors are the inner provider's vectors.
func (e *Embedder) Name() string {
	return e.inner.Name()
}

// Wait blocks until pending cache writes are applied. Tests use it to make
// hit behavior deterministic.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
