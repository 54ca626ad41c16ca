package embedding

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/hrygo/memtier/cache"
)

// CachedService decorates an embedding Service with the content-addressed
// cache. Concurrent misses for the same (model, content) pair are collapsed
// into a single provider call.
type CachedService struct {
	inner Service
	cache *cache.EmbeddingCache
	group singleflight.Group
}

// NewCachedService wraps a provider with the given cache.
func NewCachedService(inner Service, c *cache.EmbeddingCache) *CachedService {
	return &CachedService{inner: inner, cache: c}
}

// Embed returns the cached vector when present, otherwise calls the provider
// and caches the result.
func (s *CachedService) Embed(ctx context.Context, text string) ([]float32, error) {
	model := s.inner.Model()
	if entry, ok := s.cache.Get(model, text); ok {
		return entry.Vector, nil
	}

	key := cache.Key(model, text)
	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check under the flight: another goroutine may have filled it.
		if entry, ok := s.cache.Get(model, text); ok {
			return entry.Vector, nil
		}
		vec, err := s.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		s.cache.Put(model, text, vec, cache.EstimateTokens(text))
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch serves cached texts from the cache and embeds only the misses,
// preserving input order in the result.
func (s *CachedService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := s.inner.Model()
	out := make([][]float32, len(texts))

	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if entry, ok := s.cache.Get(model, text); ok {
			out[i] = entry.Vector
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	slog.Debug("embedding cache batch miss", "model", model, "misses", len(missTexts), "total", len(texts))

	vectors, err := s.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vectors {
		s.cache.Put(model, missTexts[j], vec, cache.EstimateTokens(missTexts[j]))
		out[missIdx[j]] = vec
	}
	return out, nil
}

// Dimensions returns the wrapped provider's dimension.
func (s *CachedService) Dimensions() int {
	return s.inner.Dimensions()
}

// Model returns the wrapped provider's model tag.
func (s *CachedService) Model() string {
	return s.inner.Model()
}

// Ensure CachedService implements Service.
var _ Service = (*CachedService)(nil)
