package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casetrace/backend/pkg/ai"
	"github.com/casetrace/backend/pkg/common"

	"github.com/ollama/ollama/api"
)

func (c *OllamaClient) ModelVersion() string {
	return fmt.Sprintf("ollama/%s/%d", c.embeddingModel, c.dimensions)
}

// Embed creates a vector embedding for text using the configured embedding
// model. Input is cut to the token budget first.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty embedding input")
	}
	input, err := ai.TruncateToTokens(text, c.maxTokens)
	if err != nil {
		return nil, err
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	res, err := c.Client.Embed(rCtx, &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: input,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama embed: %w", common.ErrProviderUnavailable, err)
	}
	if len(res.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: ollama returned no embedding", common.ErrProviderUnavailable)
	}

	c.Record(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
	})

	vec := res.Embeddings[0]
	if c.dimensions > 0 && len(vec) > c.dimensions {
		vec = vec[:c.dimensions]
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}
