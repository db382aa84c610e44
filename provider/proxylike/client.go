// Package proxylike forwards the canonical gwmodel request, re-encoded as
// OpenAI Chat Completions wire format, to an arbitrary OpenAI-compatible
// endpoint (a self-hosted vLLM/TGI server, TogetherAI, OpenRouter, Azure
// OpenAI, or any other provider that speaks the same wire protocol). It
// reuses provider/openai's request/response translation and adds only
// endpoint resolution, rather than maintaining a second translation layer.
package proxylike

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	gwopenai "github.com/langdb/gateway/provider/openai"
)

// EndpointConfig names the OpenAI-compatible HTTP endpoint and credential to
// target. Endpoint is either a standard base URL (e.g.
// "https://api.together.xyz/v1") or an Azure OpenAI deployment URL (e.g.
// "https://my-resource.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2025-01-01-preview"),
// detected by its "azure.com" host suffix.
type EndpointConfig struct {
	Endpoint     string
	APIKey       string
	DefaultModel string
}

// New builds a gwmodel.Client that forwards requests to an OpenAI-compatible
// HTTP endpoint, transparently handling Azure OpenAI's deployment-scoped URL
// shape when detected.
func New(cfg EndpointConfig) (*gwopenai.Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("proxylike: endpoint is required")
	}
	if IsAzureEndpoint(cfg.Endpoint) {
		azure, err := ParseAzureURL(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		cl := openai.NewClient(
			option.WithBaseURL(azure.APIBase),
			option.WithAPIKey(cfg.APIKey),
			option.WithQuery("api-version", azure.APIVersion),
		)
		model := cfg.DefaultModel
		if model == "" {
			model = azure.DeploymentID
		}
		return gwopenai.New(&cl.Chat.Completions, gwopenai.Options{DefaultModel: model})
	}

	cl := openai.NewClient(
		option.WithBaseURL(cfg.Endpoint),
		option.WithAPIKey(cfg.APIKey),
	)
	return gwopenai.New(&cl.Chat.Completions, gwopenai.Options{DefaultModel: cfg.DefaultModel})
}

// AzureURL is the decomposed form of an Azure OpenAI deployment URL.
type AzureURL struct {
	APIBase      string
	DeploymentID string
	APIVersion   string
}

// IsAzureEndpoint reports whether endpoint targets Azure OpenAI, matching
// the gateway's is_azure_endpoint check on the "azure.com" host suffix.
func IsAzureEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Hostname(), "azure.com")
}

// ParseAzureURL decomposes an Azure OpenAI deployment URL of the form
// "https://{resource}.openai.azure.com/openai/deployments/{deployment}/chat/completions?api-version={version}"
// into its resource host, deployment id, and API version, defaulting the
// API version to "2023-05-15" when the URL omits it.
func ParseAzureURL(endpoint string) (AzureURL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return AzureURL{}, fmt.Errorf("proxylike: invalid azure url: %w", err)
	}

	apiBase := fmt.Sprintf("%s://%s", u.Scheme, u.Host)

	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 3 || segments[0] != "openai" || segments[1] != "deployments" {
		return AzureURL{}, errors.New("proxylike: invalid azure url format: could not extract deployment id")
	}
	deploymentID := segments[2]

	apiVersion := u.Query().Get("api-version")
	if apiVersion == "" {
		apiVersion = "2023-05-15"
	}

	return AzureURL{APIBase: apiBase, DeploymentID: deploymentID, APIVersion: apiVersion}, nil
}
