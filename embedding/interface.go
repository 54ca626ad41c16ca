// Package embedding provides the text embedding boundary: an OpenAI-compatible
// provider, a deterministic mock for tests, and a caching decorator that
// routes every call through the content-addressed embedding cache.
package embedding

import "context"

// Service converts text to fixed-length vectors. Providers must be
// deterministic per (text, model) pair; the cache depends on that.
type Service interface {
	// Embed generates a vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates vectors for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension.
	Dimensions() int

	// Model returns the model tag used for cache keying.
	Model() string
}
