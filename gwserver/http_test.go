package gwserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/guardrail"
	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
)

func newTestMux(t *testing.T, orch *Orchestrator) http.Handler {
	t.Helper()
	srv, err := NewServer(WithOrchestrator(orch))
	require.NoError(t, err)
	return NewMux(&Mux{Server: srv, Catalog: orch.Catalog})
}

func TestChatCompletionsSimple(t *testing.T) {
	cat := NewCatalog(CatalogEntry{Provider: "openai", Model: "gpt-4o", Client: &fakeClient{resp: &gwmodel.Response{
		Message:      gwmodel.Message{Role: gwmodel.RoleAssistant, Content: "pong"},
		Usage:        gwmodel.TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
		FinishReason: gwmodel.FinishStop,
	}}})
	handler := newTestMux(t, baseOrchestrator(cat))

	body := `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"ping"}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gpt-4o", rec.Header().Get("X-Model-Name"))
	require.Equal(t, "openai", rec.Header().Get("X-Provider-Name"))
	require.NotEmpty(t, rec.Header().Get("X-Trace-Id"))

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "pong", resp.Choices[0].Message.Content)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.Equal(t, 2, resp.Usage.TotalTokens)
}

func TestChatCompletionsInputGuardRejection(t *testing.T) {
	cat := NewCatalog(CatalogEntry{Provider: "openai", Model: "gpt-4o", Client: &fakeClient{resp: &gwmodel.Response{
		Message: gwmodel.Message{Role: gwmodel.RoleAssistant, Content: "should never be reached"},
	}}})
	orch := baseOrchestrator(cat)
	orch.Guards["max-five-words"] = guardrail.Definition{
		ID:        "max-five-words",
		Stage:     guardrail.StageInput,
		Action:    guardrail.ActionValidate,
		Type:      guardrail.TypeWordCount,
		WordCount: guardrail.WordCountParams{Max: 5},
	}
	handler := newTestMux(t, orch)

	body := `{
		"model": "openai/gpt-4o",
		"messages": [{"role":"user","content":"one two three four five six"}],
		"guards": ["max-five-words"]
	}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	require.Equal(t, gwerr.StatusGuardFailed, rec.Code)

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Error struct {
			Message string `json:"message"`
			Guards  []struct {
				GuardID string `json:"guard_id"`
			} `json:"guards"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "Input rejected by guard", resp.Choices[0].Message.Content)
	require.Equal(t, "rejected", resp.Choices[0].FinishReason)
	require.Equal(t, "Guard validation failed", resp.Error.Message)
	require.Len(t, resp.Error.Guards, 1)
	require.Equal(t, "max-five-words", resp.Error.Guards[0].GuardID)
}

func TestModelsListsCatalog(t *testing.T) {
	cat := NewCatalog(
		CatalogEntry{Provider: "openai", Model: "gpt-4o", Client: &fakeClient{}},
		CatalogEntry{Provider: "anthropic", Model: "claude-sonnet-4-5", Client: &fakeClient{}},
	)
	handler := newTestMux(t, baseOrchestrator(cat))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	require.Equal(t, "anthropic/claude-sonnet-4-5", resp.Data[0].ID)
	require.Equal(t, "openai/gpt-4o", resp.Data[1].ID)
}
