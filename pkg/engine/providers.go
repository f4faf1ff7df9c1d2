package engine

import (
	"fmt"

	"github.com/casetrace/backend/pkg/ai"
	"github.com/casetrace/backend/pkg/ai/local"
	"github.com/casetrace/backend/pkg/ai/ollama"
	"github.com/casetrace/backend/pkg/ai/openai"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/entity"
)

// Providers are the model-backed components built from configuration.
type Providers struct {
	Embedder ai.Embedder
	// Structured is nil for the local provider.
	Structured ai.StructuredClient
	Detector   entity.Detector
}

// NewProviders builds the embedder and the entity detector chain. Remote
// embedders are wrapped with rate limiting, retries and a circuit breaker;
// the local embedder is used as is.
func NewProviders(cfg config.Config) (*Providers, error) {
	ec := cfg.Embedding
	p := &Providers{}

	switch ec.Provider {
	case "local":
		p.Embedder = local.NewHashEmbedder(ec.Dimensions)
	case "ollama":
		client, err := ollama.NewOllamaClient(ollama.NewOllamaClientParams{
			EmbeddingModel:        ec.Model,
			ExtractionModel:       cfg.Resolution.LLMModel,
			BaseURL:               ec.URL,
			ApiKey:                ec.APIKey,
			Dimensions:            ec.Dimensions,
			MaxTokens:             ec.MaxTokens,
			MaxConcurrentRequests: ec.MaxConcurrent,
			Timeout:               ec.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		p.Embedder = guard(client, "ollama", cfg)
		p.Structured = client
	case "openai":
		client := openai.NewOpenAIClient(openai.NewOpenAIClientParams{
			EmbeddingModel:        ec.Model,
			ExtractionModel:       cfg.Resolution.LLMModel,
			EmbeddingURL:          ec.URL,
			EmbeddingKey:          ec.APIKey,
			ChatURL:               ec.URL,
			ChatKey:               ec.APIKey,
			Dimensions:            ec.Dimensions,
			MaxTokens:             ec.MaxTokens,
			MaxConcurrentRequests: ec.MaxConcurrent,
			Timeout:               ec.Timeout,
		})
		p.Embedder = guard(client, "openai", cfg)
		p.Structured = client
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", ec.Provider)
	}

	detectors := []entity.Detector{entity.NewPatternDetector()}
	if cfg.Resolution.EnableProse {
		detectors = append(detectors, entity.NewProseDetector())
	}
	if cfg.Resolution.EnableLLM && p.Structured != nil {
		detectors = append(detectors, entity.NewLLMDetector(entity.NewLLMDetectorParams{
			Client:     p.Structured,
			Model:      cfg.Resolution.LLMModel,
			MaxRetries: cfg.Ingest.RetryMaxTries,
		}))
	}
	p.Detector = entity.Compose(detectors...)
	return p, nil
}

func guard(inner ai.Embedder, name string, cfg config.Config) *ai.GuardedEmbedder {
	return ai.NewGuardedEmbedder(inner, ai.GuardParams{
		Name:        name,
		Failures:    cfg.Embedding.BreakerFailures,
		OpenTimeout: cfg.Embedding.BreakerTimeout,
		RatePerSec:  cfg.Ingest.EmbedRatePerSec,
		Burst:       cfg.Ingest.EmbedBurst,
		Backoff:     cfg.Ingest.Backoff(),
	})
}
