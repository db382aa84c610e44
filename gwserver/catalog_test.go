package gwserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogResolveExactMatch(t *testing.T) {
	cat := NewCatalog(
		CatalogEntry{Provider: "openai", Model: "gpt-4o"},
		CatalogEntry{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	)

	entry, ok := cat.Resolve("openai/gpt-4o")
	require.True(t, ok)
	require.Equal(t, "openai", entry.Provider)
}

func TestCatalogResolveIsCaseInsensitive(t *testing.T) {
	cat := NewCatalog(CatalogEntry{Provider: "openai", Model: "gpt-4o"})

	entry, ok := cat.Resolve("OpenAI/GPT-4o")
	require.True(t, ok)
	require.Equal(t, "gpt-4o", entry.Model)
}

func TestCatalogResolveFallsBackToBareModelSearch(t *testing.T) {
	cat := NewCatalog(CatalogEntry{Provider: "anthropic", Model: "claude-3-5-sonnet"})

	entry, ok := cat.Resolve("claude-3-5-sonnet")
	require.True(t, ok)
	require.Equal(t, "anthropic", entry.Provider)
}

func TestCatalogResolveUnknownModel(t *testing.T) {
	cat := NewCatalog()
	_, ok := cat.Resolve("nonexistent")
	require.False(t, ok)
}

func TestCatalogListIsSorted(t *testing.T) {
	cat := NewCatalog(
		CatalogEntry{Provider: "openai", Model: "gpt-4o"},
		CatalogEntry{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	)

	entries := cat.List()
	require.Len(t, entries, 2)
	require.Equal(t, "anthropic", entries[0].Provider)
	require.Equal(t, "openai", entries[1].Provider)
}
