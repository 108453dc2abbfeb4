// Package embed provides text embedding for semantic chunk relations.
// Vectors are cached by content hash so reprocessing the same text
// never re-hits the provider.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
)

// Provider turns texts into embedding vectors.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ContentHash returns the stable cache key for a text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Cosine returns the cosine similarity of two vectors, or 0 when either
// is empty or zero-length.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Cache is a read-mostly vector cache keyed by content hash. Writers
// use last-writer-wins.
type Cache struct {
	mu   sync.RWMutex
	data map[string][]float64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{data: make(map[string][]float64)}
}

// Get returns the cached vector for a content hash.
func (c *Cache) Get(hash string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[hash]
	return v, ok
}

// Put stores a vector under a content hash.
func (c *Cache) Put(hash string, vec []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[hash] = vec
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Cached wraps a provider with a content-hash cache. Only cache misses
// reach the underlying provider.
type Cached struct {
	provider Provider
	cache    *Cache
}

// NewCached wraps provider with cache. A nil cache gets a fresh one.
func NewCached(provider Provider, cache *Cache) *Cached {
	if cache == nil {
		cache = NewCache()
	}
	return &Cached{provider: provider, cache: cache}
}

func (c *Cached) Name() string {
	return c.provider.Name()
}

// Embed serves hits from the cache and batches the misses into a single
// provider call.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))

	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if v, ok := c.cache.Get(ContentHash(text)); ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.provider.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Put(ContentHash(texts[i]), vecs[j])
	}
	return out, nil
}
