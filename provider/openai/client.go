// Package openai adapts the canonical gwmodel request/response/chunk types
// onto the OpenAI Chat Completions API via github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so tests can substitute a stub for *openai.ChatCompletionService.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
}

// Client implements gwmodel.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an adapter from a chat-completions client and options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, model: modelID}, nil
}

// NewFromAPIKey constructs an adapter using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	cl := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&cl.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Chat Completions request.
func (c *Client) Complete(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "openai", string(params.Model), "chat.completions.new failed", err)
	}
	return translateResponse(resp)
}

// Stream invokes Chat Completions with streaming enabled and adapts deltas
// into gwmodel.Chunks.
func (c *Client) Stream(ctx context.Context, req *gwmodel.Request) (gwmodel.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "openai", string(params.Model), "chat.completions.new streaming failed", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *gwmodel.Request) (*openai.ChatCompletionNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, gwerr.NewModelError(gwerr.KindInput, "openai", "", "messages are required", nil)
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = c.model
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		params.TopP = openai.Float(float64(*req.TopP))
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(float64(*req.FrequencyPenalty))
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(float64(*req.PresencePenalty))
	}
	if req.Seed != nil {
		params.Seed = openai.Int(*req.Seed)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		case "json_schema":
			schema, _ := json.Marshal(rf.Schema)
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   "response",
						Schema: json.RawMessage(schema),
					},
				},
			}
		}
	}
	if req.ToolChoice != "" {
		params.ToolChoice = encodeToolChoice(req.ToolChoice)
	}
	return &params, nil
}

func encodeMessages(msgs []gwmodel.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case gwmodel.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case gwmodel.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case gwmodel.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			asst := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case gwmodel.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, gwerr.NewModelError(gwerr.KindInput, "openai", "", "unsupported message role", nil)
		}
	}
	if len(out) == 0 {
		return nil, gwerr.NewModelError(gwerr.KindInput, "openai", "", "at least one message is required", nil)
	}
	return out, nil
}

func encodeTools(defs []gwmodel.ToolDescriptor) ([]openai.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &params); err != nil {
				return nil, gwerr.NewModelError(gwerr.KindInput, "openai", "", "tool "+def.Name+" schema is not valid JSON", err)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return out, nil
}

func encodeToolChoice(choice string) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice {
	case "none":
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
	case "required":
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
	case "auto", "":
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice},
			},
		}
	}
}

func translateResponse(resp *openai.ChatCompletion) (*gwmodel.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}
	choice := resp.Choices[0]
	out := gwmodel.Message{Role: gwmodel.RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, gwmodel.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	usage := gwmodel.TokenUsage{
		InputTokens:     int(resp.Usage.PromptTokens),
		OutputTokens:    int(resp.Usage.CompletionTokens),
		TotalTokens:     int(resp.Usage.TotalTokens),
		CachedTokens:    int(resp.Usage.PromptTokensDetails.CachedTokens),
		ReasoningTokens: int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
	}

	finish := mapFinishReason(string(choice.FinishReason))
	if finish == gwmodel.FinishLength {
		return nil, errMaxTokens(resp.Model)
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
	return gwerr.NewModelError(gwerr.KindMaxTokens, "openai", model, "generation stopped at the max-tokens limit", gwmodel.ErrMaxTokens)
}

func mapFinishReason(reason string) gwmodel.FinishReason {
	switch reason {
	case "stop":
		return gwmodel.FinishStop
	case "length":
		return gwmodel.FinishLength
	case "tool_calls":
		return gwmodel.FinishToolCalls
	case "content_filter":
		return gwmodel.FinishContentFilter
	default:
		return gwmodel.FinishOther(reason)
	}
}
