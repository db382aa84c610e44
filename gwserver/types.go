package gwserver

import (
	"encoding/json"
	"fmt"

	"github.com/langdb/gateway/gwmodel"
)

// This file defines the OpenAI-compatible wire types for the gateway's four
// HTTP routes plus the request extensions (mcp_servers, router, extra)
// the gateway adds on top of the standard Chat Completions shape, and the
// conversion helpers translating to/from gwmodel's canonical types.

// chatMessage is one transcript entry on the wire.
type chatMessage struct {
	Role       string          `json:"role"`
	Content    flexibleContent `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// flexibleContent accepts either a plain string (the common case) or an
// array of OpenAI-style content parts; it always marshals back out as a
// plain string since the gateway only round-trips text content on the wire
// today (image/audio parts are accepted on input but not echoed back).
type flexibleContent string

func (c *flexibleContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = flexibleContent(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("gwserver: invalid message content: %w", err)
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			out += p.Text
		}
	}
	*c = flexibleContent(out)
	return nil
}

func (c flexibleContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

type wireToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function wireToolCallFn `json:"function"`
}

type wireToolFn struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireTool struct {
	Type       string     `json:"type"`
	Function   wireToolFn `json:"function"`
	StopAtCall bool       `json:"stop_at_call,omitempty"`
}

type wireResponseFormat struct {
	Type       string `json:"type"`
	JSONSchema *struct {
		Name   string `json:"name"`
		Schema any    `json:"schema"`
	} `json:"json_schema,omitempty"`
}

type wireMCPFilter struct {
	Names                []string          `json:"names,omitempty"`
	All                  bool              `json:"all,omitempty"`
	DescriptionOverrides map[string]string `json:"description_overrides,omitempty"`
}

type wireMCPServer struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Selected  *wireMCPFilter    `json:"selected,omitempty"`
}

type wireRouterTarget struct {
	Model      string         `json:"model"`
	Percentage float64        `json:"percentage,omitempty"`
	Overrides  map[string]any `json:"overrides,omitempty"`
}

type wireRouterDirective struct {
	Name     string             `json:"name"`
	Strategy string             `json:"strategy,omitempty"`
	Targets  []wireRouterTarget `json:"targets"`
	Metric   string             `json:"metric,omitempty"`
	Window   string             `json:"window,omitempty"`
}

// chatCompletionRequest is the wire shape for POST /v1/chat/completions,
// the standard OpenAI Chat Completions body plus the gateway's mcp_servers/
// router/extra extensions.
type chatCompletionRequest struct {
	Model            string               `json:"model"`
	Messages         []chatMessage        `json:"messages"`
	Temperature      *float32             `json:"temperature,omitempty"`
	TopP             *float32             `json:"top_p,omitempty"`
	FrequencyPenalty *float32             `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32             `json:"presence_penalty,omitempty"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
	Seed             *int64               `json:"seed,omitempty"`
	Stream           bool                 `json:"stream,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
	Tools            []wireTool           `json:"tools,omitempty"`
	ToolChoice       json.RawMessage      `json:"tool_choice,omitempty"`
	ResponseFormat   *wireResponseFormat  `json:"response_format,omitempty"`
	User             string               `json:"user,omitempty"`
	MCPServers       []wireMCPServer      `json:"mcp_servers,omitempty"`
	Router           *wireRouterDirective `json:"router,omitempty"`
	Extra            map[string]any       `json:"extra,omitempty"`
	Guards           []string             `json:"guards,omitempty"`
	Variables        map[string]string    `json:"variables,omitempty"`
}

// toRequest translates the wire request into gwmodel's canonical Request,
// attaching runID. Header tags and the trace id are applied by the HTTP
// handler, not here.
func (r *chatCompletionRequest) toRequest(runID string) (*gwmodel.Request, error) {
	if r.Model == "" {
		return nil, fmt.Errorf("gwserver: model is required")
	}
	if len(r.Messages) == 0 {
		return nil, fmt.Errorf("gwserver: messages is required")
	}

	messages := make([]gwmodel.Message, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = gwmodel.Message{
			Role:       gwmodel.ConversationRole(m.Role),
			Content:    string(m.Content),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			messages[i].ToolCalls = append(messages[i].ToolCalls, gwmodel.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}

	req := &gwmodel.Request{
		RunID:            runID,
		Model:            r.Model,
		Messages:         messages,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		Seed:             r.Seed,
		StopSequences:    r.Stop,
		MaxTokens:        r.MaxTokens,
		Stream:           r.Stream,
		User:             r.User,
	}

	for _, t := range r.Tools {
		req.Tools = append(req.Tools, gwmodel.ToolDescriptor{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			StopAtCall:  t.StopAtCall,
		})
	}

	if len(r.ToolChoice) > 0 {
		var s string
		if err := json.Unmarshal(r.ToolChoice, &s); err == nil {
			req.ToolChoice = s
		} else {
			var obj struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if err := json.Unmarshal(r.ToolChoice, &obj); err == nil {
				req.ToolChoice = obj.Function.Name
			}
		}
	}

	if r.ResponseFormat != nil {
		rf := &gwmodel.ResponseFormat{Type: r.ResponseFormat.Type}
		if r.ResponseFormat.JSONSchema != nil {
			rf.Schema = r.ResponseFormat.JSONSchema.Schema
		}
		req.ResponseFormat = rf
	}

	for _, s := range r.MCPServers {
		def := gwmodel.MCPServerDef{
			Name:      s.Name,
			Transport: gwmodel.MCPTransportKind(s.Transport),
			URL:       s.URL,
			Headers:   s.Headers,
			Env:       s.Env,
		}
		if s.Selected != nil {
			def.Selected = &gwmodel.MCPToolFilter{
				Names:                s.Selected.Names,
				All:                  s.Selected.All,
				DescriptionOverrides: s.Selected.DescriptionOverrides,
			}
		}
		req.MCPServers = append(req.MCPServers, def)
	}

	if r.Router != nil {
		dir := &gwmodel.RouterDirective{
			Name:     r.Router.Name,
			Strategy: gwmodel.RouterStrategy(r.Router.Strategy),
			Metric:   gwmodel.MetricField(r.Router.Metric),
			Window:   gwmodel.MetricWindow(r.Router.Window),
		}
		for _, t := range r.Router.Targets {
			dir.Targets = append(dir.Targets, gwmodel.RouterTarget{
				Model:      t.Model,
				Percentage: t.Percentage,
				Overrides:  t.Overrides,
			})
		}
		req.Router = dir
	}

	if len(r.Extra) > 0 || len(r.Guards) > 0 {
		req.Extras = &gwmodel.Extras{User: r.Extra, Guards: r.Guards}
	}
	req.Variables = r.Variables

	return req, nil
}

// chatCompletionChoice and chatCompletionResponse mirror the standard
// non-streaming Chat Completions response body.
type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usageWire struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   usageWire              `json:"usage"`

	// Error carries the guard breakdown on a guard-rejection response.
	Error *guardErrorWire `json:"error,omitempty"`
}

// guardErrorWire is the guard-failure breakdown attached to a rejected
// completion body.
type guardErrorWire struct {
	Message string           `json:"message"`
	Guards  []guardWireEntry `json:"guards"`
}

type guardWireEntry struct {
	GuardID string `json:"guard_id"`
	Reason  string `json:"reason,omitempty"`
}

// fromResponse translates resp into the wire response shape for id/model.
func fromResponse(id, model string, resp *gwmodel.Response) *chatCompletionResponse {
	msg := chatMessage{
		Role:       string(resp.Message.Role),
		Content:    flexibleContent(resp.Message.Content),
		ToolCallID: resp.Message.ToolCallID,
		Name:       resp.Message.Name,
	}
	for _, tc := range resp.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireToolCallFn{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return &chatCompletionResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: string(resp.FinishReason),
		}},
		Usage: usageWire{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// Embeddings wire types.

type embeddingsRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	User           string          `json:"user,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
}

// inputs normalizes Input, which OpenAI's API accepts as either a single
// string or an array of strings.
func (r *embeddingsRequest) inputs() ([]string, error) {
	var single string
	if err := json.Unmarshal(r.Input, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, fmt.Errorf("gwserver: invalid embeddings input: %w", err)
	}
	return many, nil
}

type embeddingDatum struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string           `json:"object"`
	Model  string           `json:"model"`
	Data   []embeddingDatum `json:"data"`
	Usage  usageWire        `json:"usage"`
}

// Image-generation wire types.

type imageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
}

type imageDatum struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type imageGenerationResponse struct {
	Created int64        `json:"created"`
	Data    []imageDatum `json:"data"`
}

// Models-list wire types.

type modelDatum struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelsListResponse struct {
	Object string       `json:"object"`
	Data   []modelDatum `json:"data"`
}
