package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// MockService is a deterministic embedder for tests. By default it derives a
// pseudo-random unit vector from the text hash; tests that need controlled
// similarity can pin exact vectors per text with SetVector.
type MockService struct {
	dimensions int
	model      string

	mu     sync.RWMutex
	pinned map[string][]float32

	// Err, when set, is returned from every call. EmbedCalls counts actual
	// provider invocations so cache tests can assert on miss traffic.
	Err        error
	EmbedCalls int
}

// NewMockService creates a mock embedder with the given dimensionality.
func NewMockService(dimensions int) *MockService {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockService{
		dimensions: dimensions,
		model:      "mock-embedder",
		pinned:     make(map[string][]float32),
	}
}

// SetVector pins the vector returned for an exact text.
func (m *MockService) SetVector(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[text] = append([]float32(nil), vec...)
}

// Embed returns the pinned or hash-derived vector for the text.
func (m *MockService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds each text independently.
func (m *MockService) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.EmbedCalls++
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vectorFor(text)
	}
	return out, nil
}

// Dimensions returns the embedding size.
func (m *MockService) Dimensions() int {
	return m.dimensions
}

// Model returns the mock model tag.
func (m *MockService) Model() string {
	return m.model
}

func (m *MockService) vectorFor(text string) []float32 {
	m.mu.RLock()
	pinned, ok := m.pinned[text]
	m.mu.RUnlock()
	if ok {
		return append([]float32(nil), pinned...)
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		// Linear congruential generator seeded by the text hash.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}

// Ensure MockService implements Service.
var _ Service = (*MockService)(nil)
