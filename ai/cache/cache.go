// Package cache memoizes embeddings in a bounded, expiring LRU.
//
// Queries repeat far more often than documents, so the retrieval path wraps
// its embedder in a CachingEmbedder. Eviction is least-recently-used once
// Size entries are held, and every entry expires after TTL.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/poiesic/recall/ai"
	"github.com/poiesic/recall/core"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 15 * time.Minute
)

// CachingEmbedder decorates an ai.Embedder with an embedding cache keyed by
// the SHA-256 content hash of the text.
type CachingEmbedder struct {
	next   ai.Embedder
	cache  *expirable.LRU[string, []float32]
	size   int
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ ai.Embedder = (*CachingEmbedder)(nil)

// Option configures a CachingEmbedder.
type Option func(*CachingEmbedder) error

// WithSize sets the maximum number of cached embeddings.
func WithSize(size int) Option {
	return func(c *CachingEmbedder) error {
		if size <= 0 {
			return ErrInvalidSize
		}
		c.size = size
		return nil
	}
}

// WithTTL sets how long an embedding stays cached.
func WithTTL(ttl time.Duration) Option {
	return func(c *CachingEmbedder) error {
		if ttl <= 0 {
			return ErrInvalidTTL
		}
		c.ttl = ttl
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *CachingEmbedder) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// New wraps next with a cache.
func New(next ai.Embedder, opts ...Option) (*CachingEmbedder, error) {
	if next == nil {
		return nil, ErrEmbedderRequired
	}

	c := &CachingEmbedder{
		next:   next,
		size:   DefaultSize,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With("component", "embedding-cache")
	c.cache = expirable.NewLRU[string, []float32](c.size, nil, c.ttl)
	return c, nil
}

// EmbedText returns the cached embedding for text, computing it on a miss.
func (c *CachingEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	key := core.ContentHash(text)
	if vector, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return slices.Clone(vector), nil
	}
	c.misses.Add(1)

	vector, err := c.next.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, slices.Clone(vector))
	return vector, nil
}

// EmbedTexts serves cached texts and forwards the rest in one batch,
// preserving input order.
func (c *CachingEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var (
		missing    []string
		missingIdx []int
	)
	for i, text := range texts {
		keys[i] = core.ContentHash(text)
		if vector, ok := c.cache.Get(keys[i]); ok {
			results[i] = slices.Clone(vector)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	c.hits.Add(uint64(len(texts) - len(missing)))
	c.misses.Add(uint64(len(missing)))

	if len(missing) == 0 {
		return results, nil
	}

	vectors, err := c.next.EmbedTexts(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, ai.ErrEmbeddingCount
	}
	for j, idx := range missingIdx {
		results[idx] = vectors[j]
		c.cache.Add(keys[idx], slices.Clone(vectors[j]))
	}

	c.logger.Debug("embedded texts", "requested", len(texts), "computed", len(missing))
	return results, nil
}

// Stats returns cache hit and miss counts.
func (c *CachingEmbedder) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached embeddings.
func (c *CachingEmbedder) Len() int {
	return c.cache.Len()
}

// Purge drops every cached embedding. Call it after switching models.
func (c *CachingEmbedder) Purge() {
	c.cache.Purge()
}
