// Package gwconfig loads the gateway's configuration from a YAML file with
// environment-variable overrides for provider credentials, following the
// env-var-keyed credential convention documented for the gateway's HTTP
// surface.
package gwconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderCreds holds the default credentials used when a request does not
// carry its own per-call key.
type ProviderCreds struct {
	APIKey string `yaml:"api_key"`
}

// RateLimit configures the fixed requests-per-second/burst rate limiter
// applied per provider.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RedisConfig configures the router's clustered metrics store. A zero value
// means the router falls back to an in-process metrics store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ModelConfig declares one catalog entry: the provider/model pair, the
// adapter's connection parameters, and the model's published token rates.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Endpoint points a proxy-style entry at an arbitrary OpenAI-compatible
	// base URL (or Azure deployment URL). An openai entry with an Endpoint is
	// served through the proxy-style adapter, and custom providers use it
	// (falling back to ProxyURL); anthropic, gemini and bedrock ignore it.
	Endpoint string `yaml:"endpoint"`

	// Region selects the AWS region for a bedrock entry.
	Region string `yaml:"region"`

	// MaxTokens is the adapter's default completion cap when a request
	// omits one. Only bedrock entries use it.
	MaxTokens int `yaml:"max_tokens"`

	// InputPricePerMillion and OutputPricePerMillion feed the cost
	// calculator's completion price table, expressed per million tokens to
	// match provider-published pricing pages.
	InputPricePerMillion  float64 `yaml:"input_price_per_million"`
	OutputPricePerMillion float64 `yaml:"output_price_per_million"`

	// SystemPrompt and HumanPrompt declare the entry's prompt template,
	// rendered against each request's variables mapping. Both optional.
	SystemPrompt string `yaml:"system_prompt"`
	HumanPrompt  string `yaml:"human_prompt"`
}

// GuardWordCount configures a word_count guard. Zero means unbounded.
type GuardWordCount struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// GuardRegex configures a regex guard.
type GuardRegex struct {
	Required  []string `yaml:"required"`
	Forbidden []string `yaml:"forbidden"`
}

// GuardConfig declares one guard definition. Type selects which of the
// type-specific blocks below applies; the dataset guard type needs a live
// embedder and is wired programmatically rather than from config.
type GuardConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	TemplateID string `yaml:"template_id"`
	Stage      string `yaml:"stage"`
	Action     string `yaml:"action"`
	Type       string `yaml:"type"`

	// Schema holds a JSON Schema document for a schema guard.
	Schema string `yaml:"schema"`

	WordCount GuardWordCount `yaml:"word_count"`
	Regex     GuardRegex     `yaml:"regex"`

	// JudgeModel names the catalog entry an llm_judge guard calls;
	// SystemPrompt and UserPromptTemplate are its rendered prompt pair.
	JudgeModel         string `yaml:"judge_model"`
	SystemPrompt       string `yaml:"system_prompt"`
	UserPromptTemplate string `yaml:"user_prompt_template"`

	// Params are the guard-static template parameters, overridable
	// per request.
	Params map[string]any `yaml:"params"`
}

// Config is the gateway's full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// ProxyURL is the upstream used by the proxy adapter in gateway-proxy
	// mode. Overridden by LANGDB_API_URL.
	ProxyURL string `yaml:"proxy_url"`

	// Providers maps provider name (openai, anthropic, gemini, bedrock) to
	// its default credentials. Overridden per-provider by
	// LANGDB_<PROVIDER>_API_KEY.
	Providers map[string]ProviderCreds `yaml:"providers"`

	// RateLimits maps provider name to its requests-per-second/burst limit.
	RateLimits map[string]RateLimit `yaml:"rate_limits"`

	// Models is the process-wide model catalog, immutable after startup.
	Models []ModelConfig `yaml:"models"`

	// Guards lists the guard definitions requests can select by id via
	// their extras block.
	Guards []GuardConfig `yaml:"guards"`

	// EmbeddingsModel and ImagesModel pick the default models behind the
	// /v1/embeddings and /v1/images/generations executors.
	EmbeddingsModel string `yaml:"embeddings_model"`
	ImagesModel     string `yaml:"images_model"`

	// Redis configures the router's clustered metrics store.
	Redis RedisConfig `yaml:"redis"`

	// MaxRetries bounds the per-invocation retry counter (default 5, per
	// the retry-budget invariant).
	MaxRetries int `yaml:"max_retries"`

	// ToolCallTimeout bounds a single MCP tools/call round trip (default 10s).
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`

	// ShutdownTimeout bounds graceful drain of pending span writes on SIGINT.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a Config with the gateway's documented defaults.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ProxyURL:        "https://api.langdb.ai",
		MaxRetries:      5,
		ToolCallTimeout: 10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		EmbeddingsModel: "text-embedding-3-small",
		ImagesModel:     "dall-e-3",
	}
}

// Load reads a YAML config file at path (if non-empty) onto Default(), then
// applies environment-variable overrides, matching the gateway's documented
// LANGDB_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("gwconfig: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("gwconfig: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays LANGDB_* environment variables onto cfg in place.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LANGDB_API_URL"); v != "" {
		cfg.ProxyURL = v
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderCreds{}
	}
	for _, name := range []string{"openai", "anthropic", "gemini", "bedrock"} {
		env := "LANGDB_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(env); v != "" {
			creds := cfg.Providers[name]
			creds.APIKey = v
			cfg.Providers[name] = creds
		}
	}

	// Generic LANGDB_<PROVIDER>_API_KEY fallback for providers not in the
	// fixed list above (e.g. a proxy-like custom provider name).
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if !strings.HasPrefix(k, "LANGDB_") || !strings.HasSuffix(k, "_API_KEY") {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(k, "LANGDB_"), "_API_KEY"))
		switch name {
		case "openai", "anthropic", "gemini", "bedrock":
			continue
		}
		creds := cfg.Providers[name]
		creds.APIKey = v
		cfg.Providers[name] = creds
	}
}

// CredentialFor returns the configured API key for provider, or empty if none.
func (c *Config) CredentialFor(provider string) string {
	if c == nil {
		return ""
	}
	return c.Providers[strings.ToLower(provider)].APIKey
}
