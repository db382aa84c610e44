// Package gemini adapts the canonical gwmodel request/response/chunk types
// onto the Google Gemini API via github.com/google/generative-ai-go/genai.
// The adapter maps the assistant role to genai's "model", hoists system
// messages into the model's system instruction, and translates
// function-call/response parts; streaming follows genai's iterator
// pattern (google.golang.org/api/iterator) behind the common
// gwmodel.Streamer
// contract.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
)

// Session captures the subset of *genai.ChatSession the adapter drives;
// *genai.ChatSession satisfies it directly since SendMessage/
// SendMessageStream already match this signature.
type Session interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
	SendMessageStream(ctx context.Context, parts ...genai.Part) *genai.GenerateContentResponseIterator
}

// modelConfig carries the per-request settings applied to a genai
// GenerativeModel before a chat session is started from it.
type modelConfig struct {
	System      string
	Temperature *float32
	TopP        *float32
	TopK        *int32
	MaxTokens   int32
	StopWords   []string
	Tools       []*genai.Tool
	History     []*genai.Content
}

// SessionFactory builds a configured Session for one request's model id.
// Implementations own the underlying *genai.Client; tests substitute a
// fake that never dials Google's API.
type SessionFactory interface {
	NewSession(modelID string, cfg modelConfig) (Session, error)
}

// clientFactory is the production SessionFactory, wrapping a real
// *genai.Client. *genai.Client.GenerativeModel has no interface of its own
// in the SDK, so this type exists purely to narrow the surface the adapter
// depends on to what New/NewFromAPIKey construct.
type clientFactory struct {
	client *genai.Client
}

func (f *clientFactory) NewSession(modelID string, cfg modelConfig) (Session, error) {
	model := f.client.GenerativeModel(modelID)
	if cfg.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.System)}}
	}
	if cfg.Temperature != nil {
		model.SetTemperature(*cfg.Temperature)
	}
	if cfg.TopP != nil {
		model.SetTopP(*cfg.TopP)
	}
	if cfg.TopK != nil {
		model.SetTopK(*cfg.TopK)
	}
	if cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(cfg.MaxTokens)
	}
	if len(cfg.StopWords) > 0 {
		model.StopSequences = cfg.StopWords
	}
	if len(cfg.Tools) > 0 {
		model.Tools = cfg.Tools
	}
	cs := model.StartChat()
	cs.History = cfg.History
	return cs, nil
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
}

// Client implements gwmodel.Client on top of the Gemini GenerateContent API.
type Client struct {
	factory      SessionFactory
	defaultModel string
	maxTokens    int32
}

// New builds an adapter from a SessionFactory and options.
func New(factory SessionFactory, opts Options) (*Client, error) {
	if factory == nil {
		return nil, errors.New("gemini: session factory is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("gemini: default model is required")
	}
	return &Client{factory: factory, defaultModel: opts.DefaultModel, maxTokens: int32(opts.MaxTokens)}, nil
}

// NewFromAPIKey constructs an adapter using the default Gemini HTTP client.
func NewFromAPIKey(ctx context.Context, apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return New(&clientFactory{client: cl}, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming SendMessage against a fresh chat session.
func (c *Client) Complete(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	modelID, cfg, turn, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	session, err := c.factory.NewSession(modelID, cfg)
	if err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "gemini", modelID, "new session failed", err)
	}
	resp, err := session.SendMessage(ctx, turn...)
	if err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "gemini", modelID, "generate content failed", err)
	}
	return translateResponse(resp)
}

// Stream issues SendMessageStream and adapts the response iterator into
// gwmodel.Chunks.
func (c *Client) Stream(ctx context.Context, req *gwmodel.Request) (gwmodel.Streamer, error) {
	modelID, cfg, turn, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	session, err := c.factory.NewSession(modelID, cfg)
	if err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "gemini", modelID, "new session failed", err)
	}
	iter := session.SendMessageStream(ctx, turn...)
	return newStreamer(ctx, iter), nil
}

func (c *Client) prepareRequest(req *gwmodel.Request) (string, modelConfig, []genai.Part, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", modelConfig{}, nil, gwerr.NewModelError(gwerr.KindInput, "gemini", "", "messages are required", nil)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	cfg := modelConfig{
		MaxTokens: maxTokens,
		StopWords: req.StopSequences,
	}
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	}
	if req.TopP != nil {
		cfg.TopP = req.TopP
	}
	if req.TopK != nil {
		k := int32(*req.TopK)
		cfg.TopK = &k
	}

	tools, err := encodeTools(req.Tools)
	if err != nil {
		return "", modelConfig{}, nil, err
	}
	cfg.Tools = tools

	system, history, turn, err := encodeMessages(req.Messages)
	if err != nil {
		return "", modelConfig{}, nil, err
	}
	cfg.System = system
	cfg.History = history

	return modelID, cfg, turn, nil
}

// splitTurn separates a request's message list into the history sent as
// cs.History and the final turn's parts sent through SendMessage: a
// trailing run of RoleTool messages (all the tool results answering one
// assistant turn) forms the new turn together, otherwise the new turn is
// just the single last message.
func splitTurn(msgs []gwmodel.Message) (history, turn []gwmodel.Message) {
	if len(msgs) == 0 {
		return nil, nil
	}
	i := len(msgs)
	for i > 0 && msgs[i-1].Role == gwmodel.RoleTool {
		i--
	}
	if i == len(msgs) {
		return msgs[:len(msgs)-1], msgs[len(msgs)-1:]
	}
	return msgs[:i], msgs[i:]
}

func encodeMessages(msgs []gwmodel.Message) (system string, history []*genai.Content, turn []genai.Part, err error) {
	historyMsgs, turnMsgs := splitTurn(msgs)

	for _, m := range historyMsgs {
		if m.Role == gwmodel.RoleSystem {
			if m.Content != "" {
				system += m.Content
			}
			continue
		}
		content, cerr := encodeContent(m)
		if cerr != nil {
			return "", nil, nil, cerr
		}
		if content != nil {
			history = append(history, content)
		}
	}

	for _, m := range turnMsgs {
		if m.Role == gwmodel.RoleSystem {
			if m.Content != "" {
				system += m.Content
			}
			continue
		}
		parts, perr := encodeParts(m)
		if perr != nil {
			return "", nil, nil, perr
		}
		turn = append(turn, parts...)
	}
	if len(turn) == 0 {
		return "", nil, nil, gwerr.NewModelError(gwerr.KindInput, "gemini", "", "at least one user/tool message is required", nil)
	}
	return system, history, turn, nil
}

func encodeContent(m gwmodel.Message) (*genai.Content, error) {
	parts, err := encodeParts(m)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return &genai.Content{Role: encodeRole(m.Role), Parts: parts}, nil
}

func encodeRole(role gwmodel.ConversationRole) string {
	switch role {
	case gwmodel.RoleAssistant:
		return "model"
	case gwmodel.RoleTool:
		return "function"
	default:
		return "user"
	}
}

func encodeParts(m gwmodel.Message) ([]genai.Part, error) {
	if m.Role == gwmodel.RoleTool {
		var payload map[string]any
		if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
			payload = map[string]any{"result": m.Content}
		}
		return []genai.Part{genai.FunctionResponse{Name: m.Name, Response: payload}}, nil
	}

	var parts []genai.Part
	if m.Content != "" {
		parts = append(parts, genai.Text(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: args})
	}
	for _, p := range m.Parts {
		if tp, ok := p.(gwmodel.TextPart); ok && tp.Text != "" {
			parts = append(parts, genai.Text(tp.Text))
		}
	}
	return parts, nil
}

func encodeTools(defs []gwmodel.ToolDescriptor) ([]*genai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	var decls []*genai.FunctionDeclaration
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolSchema(def.Parameters)
		if err != nil {
			return nil, gwerr.NewModelError(gwerr.KindInput, "gemini", "", fmt.Sprintf("tool %q schema: %v", def.Name, err), err)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schema,
		})
	}
	if len(decls) == 0 {
		return nil, nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}, nil
}

func toolSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}, nil
	}
	var shape struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, err
	}
	schema := &genai.Schema{Type: genai.TypeObject, Required: shape.Required}
	if len(shape.Properties) > 0 {
		schema.Properties = make(map[string]*genai.Schema, len(shape.Properties))
		for name, propRaw := range shape.Properties {
			prop, err := toolSchema(propRaw)
			if err != nil {
				return nil, err
			}
			// Property entries describe scalar/array fields, not nested
			// objects by default; fall back to a string type when the
			// nested schema did not itself declare "type":"object" shape.
			var hint struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(propRaw, &hint)
			if hint.Type != "" && hint.Type != "object" {
				prop = &genai.Schema{Type: jsonSchemaType(hint.Type)}
			}
			schema.Properties[name] = prop
		}
	}
	return schema, nil
}

func jsonSchemaType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func translateResponse(resp *genai.GenerateContentResponse) (*gwmodel.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("gemini: empty response")
	}
	candidate := resp.Candidates[0]
	out := gwmodel.Message{Role: gwmodel.RoleAssistant}
	if candidate.Content != nil {
		for _, p := range candidate.Content.Parts {
			switch v := p.(type) {
			case genai.Text:
				out.Content += string(v)
			case genai.FunctionCall:
				args, _ := json.Marshal(v.Args)
				out.ToolCalls = append(out.ToolCalls, gwmodel.ToolCall{
					ID:        uuid.NewString(),
					Name:      v.Name,
					Arguments: string(args),
				})
			}
		}
	}

	var usage gwmodel.TokenUsage
	if resp.UsageMetadata != nil {
		usage = gwmodel.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	finish := mapFinishReason(candidate.FinishReason, len(out.ToolCalls) > 0)
	if finish == gwmodel.FinishLength {
		return nil, errMaxTokens("")
	}

	return &gwmodel.Response{
		Message:      out,
		Usage:        usage,
		FinishReason: finish,
	}, nil
}

// errMaxTokens reports a generation that stopped at the provider's output
// token limit as a distinguished, non-retriable model error.
func errMaxTokens(model string) error {
	return gwerr.NewModelError(gwerr.KindMaxTokens, "gemini", model, "generation stopped at the max-tokens limit", gwmodel.ErrMaxTokens)
}

func mapFinishReason(reason genai.FinishReason, hasToolCalls bool) gwmodel.FinishReason {
	if hasToolCalls {
		return gwmodel.FinishToolCalls
	}
	switch reason {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified:
		return gwmodel.FinishStop
	case genai.FinishReasonMaxTokens:
		return gwmodel.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return gwmodel.FinishContentFilter
	default:
		return gwmodel.FinishOther(reason.String())
	}
}
