// Package anthropic adapts the canonical gwmodel request/response/chunk
// types onto the Anthropic Claude Messages API via
// github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a mock in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter's defaults.
type Options struct {
	// DefaultModel is used when a request does not specify one.
	DefaultModel string

	// MaxTokens is the default completion cap when a request omits MaxTokens.
	MaxTokens int

	// ThinkingBudget is the default reasoning token budget when thinking is
	// enabled but the request does not set one.
	ThinkingBudget int64
}

// Client implements gwmodel.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	think        int64
}

// New builds an adapter from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs an adapter using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "anthropic", string(params.Model), "messages.new failed", err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts events into gwmodel.Chunks.
func (c *Client) Stream(ctx context.Context, req *gwmodel.Request) (gwmodel.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "anthropic", string(params.Model), "messages.new streaming failed", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *gwmodel.Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, gwerr.NewModelError(gwerr.KindInput, "anthropic", "", "messages are required", nil)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	toolList, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, gwerr.NewModelError(gwerr.KindInput, "anthropic", modelID, "max_tokens must be positive", nil)
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(float64(*req.TopP))
	}
	if req.TopK != nil {
		params.TopK = sdk.Int(int64(*req.TopK))
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	if req.Thinking != nil && req.Thinking.Enable {
		budget := int64(req.Thinking.BudgetTokens)
		if budget <= 0 {
			budget = c.think
		}
		if budget <= 0 {
			return nil, gwerr.NewModelError(gwerr.KindInput, "anthropic", modelID, "thinking budget is required when thinking is enabled", nil)
		}
		if budget >= int64(maxTokens) {
			return nil, gwerr.NewModelError(gwerr.KindInput, "anthropic", modelID, "thinking budget must be less than max_tokens", nil)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}

	if req.ToolChoice != "" {
		tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nil
}

func encodeMessages(msgs []gwmodel.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == gwmodel.RoleSystem {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			for _, p := range m.Parts {
				if v, ok := p.(gwmodel.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := partsToBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case gwmodel.RoleUser, gwmodel.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case gwmodel.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, gwerr.NewModelError(gwerr.KindInput, "anthropic", "", fmt.Sprintf("unsupported message role %q", m.Role), nil)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, gwerr.NewModelError(gwerr.KindInput, "anthropic", "", "at least one user/assistant message is required", nil)
	}
	return conversation, system, nil
}

func partsToBlocks(m gwmodel.Message) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion

	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	if m.ToolCallID != "" {
		blocks = append(blocks, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		return blocks
	}
	for _, tc := range m.ToolCalls {
		var input any
		_ = json.Unmarshal([]byte(tc.Arguments), &input)
		blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	for _, p := range m.Parts {
		switch v := p.(type) {
		case gwmodel.TextPart:
			if v.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			}
		case gwmodel.ToolUsePart:
			var input any
			_ = json.Unmarshal([]byte(v.Arguments), &input)
			blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, v.Name))
		case gwmodel.ToolResultPart:
			blocks = append(blocks, sdk.NewToolResultBlock(v.ToolCallID, v.Content, v.IsError))
		}
	}
	return blocks
}

func encodeTools(defs []gwmodel.ToolDescriptor) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.Parameters)
		if err != nil {
			return nil, gwerr.NewModelError(gwerr.KindInput, "anthropic", "", fmt.Sprintf("tool %q schema: %v", def.Name, err), err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice string, defs []gwmodel.ToolDescriptor) (sdk.ToolChoiceUnionParam, error) {
	switch choice {
	case "", "auto":
		return sdk.ToolChoiceUnionParam{}, nil
	case "none":
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case "required", "any":
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	default:
		for _, def := range defs {
			if def.Name == choice {
				return sdk.ToolChoiceParamOfTool(choice), nil
			}
		}
		return sdk.ToolChoiceUnionParam{}, gwerr.NewModelError(gwerr.KindInput, "anthropic", "", fmt.Sprintf("tool choice %q does not match any tool", choice), nil)
	}
}

func translateResponse(msg *sdk.Message) (*gwmodel.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	out := gwmodel.Message{Role: gwmodel.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out.Parts = append(out.Parts, gwmodel.TextPart{Text: block.Text})
			}
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, gwmodel.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}

	usage := gwmodel.TokenUsage{
		InputTokens:      int(msg.Usage.InputTokens),
		OutputTokens:     int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
	}

	finish := mapStopReason(string(msg.StopReason))
	if finish == gwmodel.FinishLength {
		return nil, errMaxTokens(string(msg.Model))
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
	return gwerr.NewModelError(gwerr.KindMaxTokens, "anthropic", model, "generation stopped at the max-tokens limit", gwmodel.ErrMaxTokens)
}

func mapStopReason(reason string) gwmodel.FinishReason {
	switch reason {
	case "end_turn":
		return gwmodel.FinishStop
	case "stop_sequence":
		return gwmodel.FinishStopSequence
	case "max_tokens":
		return gwmodel.FinishLength
	case "tool_use":
		return gwmodel.FinishToolCalls
	default:
		return gwmodel.FinishOther(reason)
	}
}
