package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/langdb/gateway/gwerr"
)

// EmbeddingsClient captures the subset of the openai-go client used by the
// embeddings adapter, mirroring ChatClient's narrow-interface-over-
// *openai.EmbeddingService pattern so tests can substitute a stub.
type EmbeddingsClient interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// EmbeddingUsage reports the token accounting for one embeddings call.
type EmbeddingUsage struct {
	PromptTokens int
	TotalTokens  int
}

// EmbeddingsAdapter implements the gateway's embeddings executor: a
// thin, unrouted, untooled call straight through to the provider.
type EmbeddingsAdapter struct {
	client       EmbeddingsClient
	defaultModel string
}

// NewEmbeddingsAdapter builds an adapter from an embeddings client.
func NewEmbeddingsAdapter(client EmbeddingsClient, defaultModel string) (*EmbeddingsAdapter, error) {
	if client == nil {
		return nil, errors.New("openai: embeddings client is required")
	}
	return &EmbeddingsAdapter{client: client, defaultModel: defaultModel}, nil
}

// NewEmbeddingsAdapterFromAPIKey constructs an adapter using the default
// OpenAI HTTP client.
func NewEmbeddingsAdapterFromAPIKey(apiKey, defaultModel string) (*EmbeddingsAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cl := openai.NewClient(option.WithAPIKey(apiKey))
	return NewEmbeddingsAdapter(&cl.Embeddings, defaultModel)
}

// Create computes embeddings for input, returning one vector per input
// string in the same order, plus the call's token usage.
func (a *EmbeddingsAdapter) Create(ctx context.Context, model string, input []string, user string, dimensions int) ([][]float64, EmbeddingUsage, error) {
	if len(input) == 0 {
		return nil, EmbeddingUsage{}, gwerr.NewModelError(gwerr.KindInput, "openai", model, "embeddings input is required", nil)
	}
	modelID := model
	if modelID == "" {
		modelID = a.defaultModel
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(modelID),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
	}
	if user != "" {
		params.User = openai.String(user)
	}
	if dimensions > 0 {
		params.Dimensions = openai.Int(int64(dimensions))
	}

	resp, err := a.client.New(ctx, params)
	if err != nil {
		return nil, EmbeddingUsage{}, gwerr.NewModelError(gwerr.KindTransport, "openai", modelID, "embeddings.new failed", err)
	}

	out := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) < 0 || int(d.Index) >= len(out) {
			continue
		}
		out[d.Index] = d.Embedding
	}
	usage := EmbeddingUsage{
		PromptTokens: int(resp.Usage.PromptTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return out, usage, nil
}
