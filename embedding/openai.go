package embedding

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ProviderConfig configures the OpenAI-compatible embedding provider.
type ProviderConfig struct {
	Provider   string // openai, siliconflow (OpenAI-compatible)
	Model      string // e.g. text-embedding-3-small, BAAI/bge-m3
	Dimensions int
	APIKey     string
	BaseURL    string

	// RequestsPerSecond throttles provider calls; 0 disables throttling.
	RequestsPerSecond float64
}

type openAIService struct {
	client     *openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
}

// NewOpenAIService creates an embedding service backed by an
// OpenAI-compatible endpoint.
func NewOpenAIService(cfg ProviderConfig) (Service, error) {
	switch cfg.Provider {
	case "openai", "siliconflow":
	default:
		return nil, errors.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("embedding API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &openAIService{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		limiter:    limiter,
	}, nil
}

func (s *openAIService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("empty embedding result")
	}
	return vectors[0], nil
}

func (s *openAIService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "embedding rate limit wait")
		}
	}

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	}

	resp, err := s.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("embedding response size mismatch: want %d, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (s *openAIService) Dimensions() int {
	return s.dimensions
}

func (s *openAIService) Model() string {
	return s.model
}
