package gwserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/provider/openai"
	"github.com/langdb/gateway/streamrelay"
)

// Mux wires the gateway's OpenAI-compatible HTTP surface onto a Server
// plus the thin embeddings/images executors.
type Mux struct {
	Server  *Server
	Catalog *Catalog

	// Embeddings and Images back the thin, unrouted, untooled executors.
	// Either may be nil, in which case its route answers 501.
	Embeddings *openai.EmbeddingsAdapter
	Images     *openai.ImagesAdapter
}

// NewMux builds the gateway's four-route OpenAI-compatible handler.
func NewMux(m *Mux) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("/v1/embeddings", m.handleEmbeddings)
	mux.HandleFunc("/v1/images/generations", m.handleImages)
	mux.HandleFunc("/v1/models", m.handleModels)
	return mux
}

func (m *Mux) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	var wire chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	runID := r.Header.Get("x-run-id")
	if runID == "" {
		runID = uuid.NewString()
	}
	traceID := r.Header.Get("x-trace-id")
	if traceID == "" {
		traceID = uuid.NewString()
	}

	req, err := wire.toRequest(runID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	applyHeaderExtras(req, r)
	req.TraceID = traceID

	provider, model := m.displayTarget(req)
	w.Header().Set("X-Trace-Id", traceID)
	w.Header().Set("X-Model-Name", model)
	w.Header().Set("X-Provider-Name", provider)

	if req.Stream {
		m.handleChatStream(w, r, req)
		return
	}

	resp, err := m.Server.Complete(r.Context(), req)
	if err != nil {
		var gerr *gwerr.GatewayError
		if errors.As(err, &gerr) && gerr.Status == gwerr.StatusGuardFailed {
			writeGuardRejection(w, req.Model, gerr)
			return
		}
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromResponse("chatcmpl-"+uuid.NewString(), req.Model, resp))
}

func (m *Mux) handleChatStream(w http.ResponseWriter, r *http.Request, req *gwmodel.Request) {
	sink, err := streamrelay.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer func() { _ = sink.Close() }()

	// Stream errors are already rendered as an SSE error frame by the
	// orchestrator/relay before this call returns; there is nothing left
	// to write to the client at this point.
	_ = m.Server.Stream(r.Context(), req, sink)
}

func (m *Mux) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if m.Embeddings == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("embeddings are not configured"))
		return
	}

	var wire embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	inputs, err := wire.inputs()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	vectors, usage, err := m.Embeddings.Create(r.Context(), wire.Model, inputs, wire.User, wire.Dimensions)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	data := make([]embeddingDatum, len(vectors))
	for i, v := range vectors {
		data[i] = embeddingDatum{Object: "embedding", Index: i, Embedding: v}
	}
	writeJSON(w, http.StatusOK, &embeddingsResponse{
		Object: "list",
		Model:  wire.Model,
		Data:   data,
		Usage:  usageWire{PromptTokens: usage.PromptTokens, TotalTokens: usage.TotalTokens},
	})
}

func (m *Mux) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if m.Images == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("image generation is not configured"))
		return
	}

	var wire imageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	images, err := m.Images.Generate(r.Context(), openai.ImageRequest{
		Model:          wire.Model,
		Prompt:         wire.Prompt,
		N:              wire.N,
		Size:           wire.Size,
		Quality:        wire.Quality,
		Style:          wire.Style,
		ResponseFormat: wire.ResponseFormat,
		User:           wire.User,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	data := make([]imageDatum, len(images))
	for i, img := range images {
		data[i] = imageDatum{URL: img.URL, B64JSON: img.B64JSON, RevisedPrompt: img.RevisedPrompt}
	}
	writeJSON(w, http.StatusOK, &imageGenerationResponse{Created: time.Now().Unix(), Data: data})
}

func (m *Mux) handleModels(w http.ResponseWriter, r *http.Request) {
	entries := m.Catalog.List()
	data := make([]modelDatum, len(entries))
	for i, e := range entries {
		data[i] = modelDatum{ID: e.Provider + "/" + e.Model, Object: "model", OwnedBy: e.Provider}
	}
	writeJSON(w, http.StatusOK, &modelsListResponse{Object: "list", Data: data})
}

// displayTarget best-effort resolves the provider/model this request will
// hit, for the X-Model-Name/X-Provider-Name response headers. A routed
// request reports its first candidate target without running the router's
// actual strategy, since the strategy may depend on live metrics the HTTP
// layer has no business re-evaluating just to label a header.
func (m *Mux) displayTarget(req *gwmodel.Request) (provider, model string) {
	modelID := req.Model
	if req.Router != nil {
		if len(req.Router.Targets) > 0 {
			modelID = req.Router.Targets[0].Model
		} else {
			return "", req.Router.Name
		}
	}
	if entry, ok := m.Catalog.Resolve(modelID); ok {
		return entry.Provider, entry.Model
	}
	return "", modelID
}

// applyHeaderExtras folds the x-tags header (a "k=v&k=v" query-encoded tag
// list) into req.Extras.User, alongside x-parent-trace-id and x-label when
// present.
func applyHeaderExtras(req *gwmodel.Request, r *http.Request) {
	tags := parseTags(r.Header.Get("x-tags"))
	if parent := r.Header.Get("x-parent-trace-id"); parent != "" {
		tags["parent_trace_id"] = parent
	}
	if label := r.Header.Get("x-label"); label != "" {
		tags["label"] = label
	}
	if len(tags) == 0 {
		return
	}
	if req.Extras == nil {
		req.Extras = &gwmodel.Extras{}
	}
	if req.Extras.User == nil {
		req.Extras.User = make(map[string]any, len(tags))
	}
	for k, v := range tags {
		req.Extras.User[k] = v
	}
}

func parseTags(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return out
	}
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeGuardRejection renders a validated guard failure as a
// completion-shaped body: a synthetic assistant message stating the
// rejection, finish_reason "rejected", and the per-guard breakdown under
// the error key, served with the guard-validation status code.
func writeGuardRejection(w http.ResponseWriter, model string, gerr *gwerr.GatewayError) {
	content := "Output rejected by guard"
	if gerr.GuardStage == "input" {
		content = "Input rejected by guard"
	}

	guards := make([]guardWireEntry, len(gerr.Guards))
	for i, g := range gerr.Guards {
		guards[i] = guardWireEntry{GuardID: g.GuardID, Reason: g.Reason}
	}

	writeJSON(w, gerr.Status, &chatCompletionResponse{
		ID:     "chatcmpl-" + uuid.NewString(),
		Object: "chat.completion",
		Model:  model,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: flexibleContent(content)},
			FinishReason: "rejected",
		}},
		Error: &guardErrorWire{Message: gerr.Message, Guards: guards},
	})
}

// writeGatewayError maps err to its HTTP status via gwerr's taxonomy,
// including the custom guard-failure status and per-guard breakdown.
func writeGatewayError(w http.ResponseWriter, err error) {
	var gerr *gwerr.GatewayError
	if !errors.As(err, &gerr) {
		gerr = gwerr.FromModelError(err)
	}
	body := map[string]any{"message": gerr.Message}
	if len(gerr.Guards) > 0 {
		body["guards"] = gerr.Guards
	}
	writeJSON(w, gerr.Status, map[string]any{"error": body})
}
