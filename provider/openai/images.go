package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/langdb/gateway/gwerr"
)

// ImagesClient captures the subset of the openai-go client used by the
// image-generation adapter.
type ImagesClient interface {
	Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

// GeneratedImage is one image returned from an image-generation call,
// carrying whichever of URL/base64 the provider chose to return.
type GeneratedImage struct {
	URL           string
	B64JSON       string
	RevisedPrompt string
}

// ImagesAdapter implements the gateway's image-generation executor:
// a thin, unrouted, untooled call straight through to the provider.
type ImagesAdapter struct {
	client       ImagesClient
	defaultModel string
}

// NewImagesAdapter builds an adapter from an images client.
func NewImagesAdapter(client ImagesClient, defaultModel string) (*ImagesAdapter, error) {
	if client == nil {
		return nil, errors.New("openai: images client is required")
	}
	return &ImagesAdapter{client: client, defaultModel: defaultModel}, nil
}

// NewImagesAdapterFromAPIKey constructs an adapter using the default OpenAI
// HTTP client.
func NewImagesAdapterFromAPIKey(apiKey, defaultModel string) (*ImagesAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cl := openai.NewClient(option.WithAPIKey(apiKey))
	return NewImagesAdapter(&cl.Images, defaultModel)
}

// ImageRequest carries the image-generation parameters exposed through the
// gateway's /v1/images/generations endpoint.
type ImageRequest struct {
	Model          string
	Prompt         string
	N              int
	Size           string
	Quality        string
	Style          string
	ResponseFormat string
	User           string
}

// Generate produces one or more images for req.Prompt.
func (a *ImagesAdapter) Generate(ctx context.Context, req ImageRequest) ([]GeneratedImage, error) {
	if req.Prompt == "" {
		return nil, gwerr.NewModelError(gwerr.KindInput, "openai", req.Model, "image prompt is required", nil)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.defaultModel
	}

	params := openai.ImageGenerateParams{
		Model:  openai.ImageModel(modelID),
		Prompt: req.Prompt,
	}
	if req.N > 0 {
		params.N = openai.Int(int64(req.N))
	}
	if req.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(req.Size)
	}
	if req.Quality != "" {
		params.Quality = openai.ImageGenerateParamsQuality(req.Quality)
	}
	if req.Style != "" {
		params.Style = openai.ImageGenerateParamsStyle(req.Style)
	}
	if req.ResponseFormat != "" {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormat(req.ResponseFormat)
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}

	resp, err := a.client.Generate(ctx, params)
	if err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "openai", modelID, "images.generate failed", err)
	}

	out := make([]GeneratedImage, 0, len(resp.Data))
	for _, d := range resp.Data {
		out = append(out, GeneratedImage{
			URL:           d.URL,
			B64JSON:       d.B64JSON,
			RevisedPrompt: d.RevisedPrompt,
		})
	}
	return out, nil
}
