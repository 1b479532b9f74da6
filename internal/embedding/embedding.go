package embedding

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"docqa/internal/config"
	"docqa/internal/metrics"
	"docqa/internal/models"
)

// Embedder maps text to vectors. It has the same shape as langchaingo's
// embeddings.Embedder, so either can back a document index.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider performs a single embedding call against a model endpoint.
type Provider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Service batches texts, bounds every call with a timeout and checks that
// the provider returned one vector per text with a consistent dimension.
// Failures are reported as models.ErrEmbeddingService.
type Service struct {
	provider  Provider
	name      string
	model     string
	batchSize int
	timeout   time.Duration
}

// New builds the provider selected by cfg.Provider and wraps it in a Service.
func New(ctx context.Context, cfg config.LLMConfig) (*Service, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		p, err = NewGeminiProvider(ctx, cfg.Key, cfg.Model)
	case config.ProviderOpenAI:
		p = NewOpenAIProvider(cfg.Key, cfg.BaseURL, cfg.Model)
	case config.ProviderOllama:
		p, err = NewOllamaProvider(cfg.BaseURL, cfg.Model, cfg.BatchSize)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s embedder: %v: %w", cfg.Provider, err, models.ErrEmbeddingService)
	}

	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Msg("Embedding service ready")
	return NewService(p, cfg), nil
}

// NewService wraps an existing provider. cfg supplies the labels, batch size
// and timeout; zero values mean one batch and no timeout.
func NewService(p Provider, cfg config.LLMConfig) *Service {
	return &Service{
		provider:  p,
		name:      cfg.Provider,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout(),
	}
}

func (s *Service) Model() string {
	return s.model
}

func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := s.batchSize
	if size <= 0 {
		size = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	dim := 0
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vectors, err := s.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for _, v := range vectors {
			if dim == 0 {
				dim = len(v)
			}
			if len(v) == 0 || len(v) != dim {
				return nil, fmt.Errorf("%s returned vectors of %d and %d dimensions: %w", s.name, dim, len(v), models.ErrEmbeddingService)
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *Service) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	vectors, err := s.provider.EmbedTexts(ctx, batch)
	duration := time.Since(start)

	if err == nil && len(vectors) != len(batch) {
		err = fmt.Errorf("got %d vectors for %d texts", len(vectors), len(batch))
	}
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(s.name, s.model, "error").Inc()
		log.Error().Err(err).Str("provider", s.name).Int("texts", len(batch)).Msg("Embedding request failed")
		return nil, fmt.Errorf("%s embedding: %v: %w", s.name, err, models.ErrEmbeddingService)
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues(s.name, s.model, "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(s.name, s.model).Observe(duration.Seconds())
	metrics.EmbeddedTextsTotal.WithLabelValues(s.name, s.model).Add(float64(len(batch)))
	log.Debug().Str("provider", s.name).Int("texts", len(batch)).Dur("took", duration).Msg("Embedded batch")
	return vectors, nil
}

// Close releases the provider's client when it holds one.
func (s *Service) Close() error {
	if c, ok := s.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
