package gwconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 5, cfg.MaxRetries)
}

func TestLoadOverlaysEnvCredentials(t *testing.T) {
	t.Setenv("LANGDB_OPENAI_API_KEY", "sk-test-openai")
	t.Setenv("LANGDB_API_URL", "https://proxy.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sk-test-openai", cfg.CredentialFor("openai"))
	require.Equal(t, "https://proxy.example.com", cfg.ProxyURL)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "gateway-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("listen_addr: \":9090\"\nmax_retries: 3\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadParsesCatalogAndGuards(t *testing.T) {
	const doc = `
models:
  - provider: openai
    model: gpt-4o
    input_price_per_million: 2.5
    output_price_per_million: 10
  - provider: together
    model: llama-3-70b
    endpoint: https://api.together.xyz/v1
guards:
  - id: wc-input
    name: short inputs only
    stage: input
    action: validate
    type: word_count
    word_count:
      max: 5
  - id: no-secrets
    stage: output
    action: observe
    type: regex
    regex:
      forbidden: ["sk-[a-z0-9]+"]
`
	f, err := os.CreateTemp(t.TempDir(), "gateway-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(doc)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)

	require.Len(t, cfg.Models, 2)
	require.Equal(t, "openai", cfg.Models[0].Provider)
	require.Equal(t, 2.5, cfg.Models[0].InputPricePerMillion)
	require.Equal(t, "https://api.together.xyz/v1", cfg.Models[1].Endpoint)

	require.Len(t, cfg.Guards, 2)
	require.Equal(t, "wc-input", cfg.Guards[0].ID)
	require.Equal(t, 5, cfg.Guards[0].WordCount.Max)
	require.Equal(t, "observe", cfg.Guards[1].Action)
	require.Equal(t, []string{"sk-[a-z0-9]+"}, cfg.Guards[1].Regex.Forbidden)
}
