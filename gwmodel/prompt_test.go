package gwmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeRendersSystemAndHuman(t *testing.T) {
	tmpl := &PromptTemplate{
		System: "You are a {{persona}} assistant.",
		Human:  "Summarize: {{document}}",
	}
	history := []Message{{Role: RoleUser, Content: "earlier turn"}}

	out, err := tmpl.Compose(history, map[string]string{
		"persona":  "helpful",
		"document": "the quarterly report",
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, RoleSystem, out[0].Role)
	require.Equal(t, "You are a helpful assistant.", out[0].Content)
	require.Equal(t, "earlier turn", out[1].Content)
	require.Equal(t, RoleUser, out[2].Role)
	require.Equal(t, "Summarize: the quarterly report", out[2].Content)
}

func TestComposeFailsOnUnknownVariable(t *testing.T) {
	tmpl := &PromptTemplate{Human: "Translate {{text}} into {{language}}"}

	_, err := tmpl.Compose(nil, map[string]string{"text": "hola"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "language")
}

func TestComposeNilTemplatePassesHistoryThrough(t *testing.T) {
	history := []Message{{Role: RoleUser, Content: "hi"}}

	var tmpl *PromptTemplate
	out, err := tmpl.Compose(history, nil)
	require.NoError(t, err)
	require.Equal(t, history, out)
}
