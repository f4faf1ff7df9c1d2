package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casetrace/backend/pkg/ai"
	"github.com/casetrace/backend/pkg/common"

	"github.com/openai/openai-go/v3"
)

func (c *OpenAIClient) ModelVersion() string {
	return fmt.Sprintf("openai/%s/%d", c.embeddingModel, c.dimensions)
}

// Embed creates a vector embedding for text using the configured embedding
// model.
//
// Example:
//
//	embedding, err := client.Embed(ctx, "meet at the harbour, bring the phone")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println("Embedding length:", len(embedding))
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.EmbeddingClient == nil {
		return nil, fmt.Errorf("%w: no embedding key configured", common.ErrProviderUnavailable)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty embedding input")
	}
	input, err := ai.TruncateToTokens(text, c.maxTokens)
	if err != nil {
		return nil, err
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{input}},
		Model: c.embeddingModel,
	}
	if c.dimensions > 0 {
		body.Dimensions = openai.Int(int64(c.dimensions))
	}

	if err := c.embeddingLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.embeddingLock.Release(1)

	start := time.Now()
	response, err := c.EmbeddingClient.Embeddings.New(rCtx, body)
	if err != nil {
		return nil, fmt.Errorf("%w: openai embed: %w", common.ErrProviderUnavailable, err)
	}

	c.Record(ai.ModelMetrics{
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  time.Since(start).Milliseconds(),
	})

	if len(response.Data) != 1 {
		return nil, fmt.Errorf("%w: embedding response size mismatch: got %d want 1", common.ErrProviderUnavailable, len(response.Data))
	}
	data := response.Data[0].Embedding
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out, nil
}
