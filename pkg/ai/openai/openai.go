package openai

import (
	"time"

	"github.com/casetrace/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// OpenAIClient talks to any OpenAI-compatible API. It manages separate
// clients for embeddings and chat since deployments often serve them from
// different endpoints.
//
// An OpenAIClient should be created using NewOpenAIClient.
type OpenAIClient struct {
	ai.MetricsRecorder

	embeddingModel  string
	extractionModel string
	dimensions      int
	maxTokens       int
	timeout         time.Duration

	embeddingLock *semaphore.Weighted

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewOpenAIClientParams defines the configuration parameters for creating
// a new OpenAIClient.
//
// EmbeddingURL and EmbeddingKey configure the embedding API endpoint.
// ChatURL and ChatKey configure the chat/completion API endpoint used by
// the entity detector. Dimensions is forwarded to models that support
// shortened embeddings.
type NewOpenAIClientParams struct {
	EmbeddingModel  string
	ExtractionModel string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	Dimensions            int
	MaxTokens             int
	MaxConcurrentRequests int64
	Timeout               time.Duration
}

// NewOpenAIClient creates and returns a new OpenAIClient.
//
// Example:
//
//	client := openai.NewOpenAIClient(openai.NewOpenAIClientParams{
//		EmbeddingModel: "text-embedding-3-small",
//		EmbeddingURL:   "https://api.openai.com/v1",
//		EmbeddingKey:   os.Getenv("OPENAI_API_KEY"),
//		Dimensions:     256,
//	})
func NewOpenAIClient(params NewOpenAIClientParams) *OpenAIClient {
	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &OpenAIClient{
		embeddingModel:  params.EmbeddingModel,
		extractionModel: params.ExtractionModel,
		dimensions:      params.Dimensions,
		maxTokens:       params.MaxTokens,
		timeout:         timeout,
		embeddingLock:   semaphore.NewWeighted(maxConcurrent),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
