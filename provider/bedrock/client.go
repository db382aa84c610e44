// Package bedrock adapts the canonical gwmodel request/response/chunk types
// onto the AWS Bedrock Converse API via
// github.com/aws/aws-sdk-go-v2/service/bedrockruntime. Model ids are
// rewritten on the way out: US-regional models gain a region prefix and a
// trailing vN.M version suffix becomes vN:M, matching the wire ids the
// Converse API expects.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// adapter needs, matching *bedrockruntime.Client so tests can substitute a
// fake in its place.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the adapter's defaults.
type Options struct {
	// Runtime is the Bedrock runtime client. Required.
	Runtime RuntimeClient

	// DefaultModel is used when a request does not specify one.
	DefaultModel string

	// MaxTokens is the default completion cap when a request omits MaxTokens.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32
}

// Client implements gwmodel.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
}

// New builds an adapter from a Bedrock runtime client and options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Complete issues a Converse request and translates the response into a
// gwmodel.Response.
func (c *Client) Complete(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	modelID, messages, system, toolConfig, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := c.buildConverseInput(modelID, messages, system, toolConfig, req)
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapRuntimeError(modelID, "converse", err)
	}
	return translateResponse(output)
}

// Stream invokes ConverseStream and adapts incremental events into
// gwmodel.Chunks.
func (c *Client) Stream(ctx context.Context, req *gwmodel.Request) (gwmodel.Streamer, error) {
	modelID, messages, system, toolConfig, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapRuntimeError(modelID, "converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, gwerr.NewModelError(gwerr.KindTransport, "bedrock", modelID, "stream output missing event stream", nil)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *gwmodel.Request) (string, []brtypes.Message, []brtypes.SystemContentBlock, *brtypes.ToolConfiguration, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", nil, nil, nil, gwerr.NewModelError(gwerr.KindInput, "bedrock", "", "messages are required", nil)
	}
	raw := req.Model
	if raw == "" {
		raw = c.defaultModel
	}
	modelID := ResolveModelID(raw)

	toolConfig, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return "", nil, nil, nil, err
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return "", nil, nil, nil, err
	}
	return modelID, messages, system, toolConfig, nil
}

func (c *Client) buildConverseInput(modelID string, messages []brtypes.Message, system []brtypes.SystemContentBlock, toolConfig *brtypes.ToolConfiguration, req *gwmodel.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig(req *gwmodel.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	temp := c.temp
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// versionSuffix matches a Bedrock model-id version suffix expressed with a
// dot ("v1.0") so it can be rewritten to the colon form Bedrock expects on
// the wire ("v1:0").
var versionSuffix = regexp.MustCompile(`v(\d+)\.(\d+)`)

// usRegionModels names the Meta Llama model family that Bedrock only serves
// through a region-prefixed cross-region inference profile id.
var usRegionModels = map[string]bool{
	"llama3-1-8b-instruct-v1:0":  true,
	"llama3-1-70b-instruct-v1:0": true,
	"llama3-2-1b-instruct-v1:0":  true,
	"llama3-2-3b-instruct-v1:0":  true,
	"llama3-2-11b-instruct-v1:0": true,
	"llama3-3-70b-instruct-v1:0": true,
}

// ResolveModelID derives the wire-format Bedrock model id from a gateway
// identifier of the form "provider/model" (e.g.
// "meta/llama3-1-8b-instruct-v1.0"): it rewrites the version suffix
// (vN.M -> vN:M) and prefixes a region for the known US cross-region model
// family. An identifier with no "/" separator is assumed to already be a
// fully-qualified Bedrock model id (e.g. an inference profile arn, or
// "anthropic.claude-3-5-sonnet-20241022-v2:0" passed straight through by the
// router) and is returned unchanged.
func ResolveModelID(raw string) string {
	provider, modelID, ok := strings.Cut(raw, "/")
	if !ok {
		return raw
	}
	modelID = versionSuffix.ReplaceAllString(modelID, "v$1:$2")
	if usRegionModels[modelID] {
		return fmt.Sprintf("us.%s.%s", provider, modelID)
	}
	return fmt.Sprintf("%s.%s", provider, modelID)
}

func encodeMessages(msgs []gwmodel.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == gwmodel.RoleSystem {
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		}

		blocks, err := partsToBlocks(m)
		if err != nil {
			return nil, nil, err
		}
		if len(blocks) == 0 {
			continue
		}

		var role brtypes.ConversationRole
		switch m.Role {
		case gwmodel.RoleUser, gwmodel.RoleTool:
			role = brtypes.ConversationRoleUser
		case gwmodel.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, gwerr.NewModelError(gwerr.KindInput, "bedrock", "", fmt.Sprintf("unsupported message role %q", m.Role), nil)
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, gwerr.NewModelError(gwerr.KindInput, "bedrock", "", "at least one user/assistant message is required", nil)
	}
	return conversation, system, nil
}

func partsToBlocks(m gwmodel.Message) ([]brtypes.ContentBlock, error) {
	var blocks []brtypes.ContentBlock

	// A RoleTool message answers a prior tool call and must encode as a
	// tool_result block, not plain text.
	if m.ToolCallID != "" {
		content := []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}}
		blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
			Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   content,
			},
		})
		return blocks, nil
	}

	if m.Content != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
			Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     argumentsToDocument(tc.Arguments),
			},
		})
	}
	return blocks, nil
}

func encodeTools(defs []gwmodel.ToolDescriptor, choice string) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: argumentsToDocument(string(def.Parameters))},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	switch choice {
	case "", "auto":
	case "none":
		// Preserve the tool configuration so Bedrock can interpret any
		// existing tool_use/tool_result blocks in history without forcing a
		// new call.
	case "required", "any":
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	default:
		found := false
		for _, def := range defs {
			if def.Name == choice {
				found = true
				break
			}
		}
		if !found {
			return nil, gwerr.NewModelError(gwerr.KindInput, "bedrock", "", fmt.Sprintf("tool choice %q does not match any tool", choice), nil)
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice)}}
	}
	return cfg, nil
}

func argumentsToDocument(raw string) document.Interface {
	if raw == "" {
		m := map[string]any{"type": "object"}
		return document.NewLazyDocument(&m)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		m := map[string]any{"type": "object"}
		return document.NewLazyDocument(&m)
	}
	return document.NewLazyDocument(&decoded)
}

func decodeDocument(doc document.Interface) string {
	if doc == nil {
		return "{}"
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return "{}"
	}
	return string(data)
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*gwmodel.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	out := gwmodel.Message{Role: gwmodel.RoleAssistant}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				out.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				var id, name string
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					name = *v.Value.Name
				}
				out.ToolCalls = append(out.ToolCalls, gwmodel.ToolCall{
					ID:        id,
					Name:      name,
					Arguments: decodeDocument(v.Value.Input),
				})
			}
		}
	}

	usage := gwmodel.TokenUsage{}
	if u := output.Usage; u != nil {
		usage = gwmodel.TokenUsage{
			InputTokens:  int(ptrValue(u.InputTokens)),
			OutputTokens: int(ptrValue(u.OutputTokens)),
			TotalTokens:  int(ptrValue(u.TotalTokens)),
		}
	}

	finish := mapFinishReason(output.StopReason)
	if finish == gwmodel.FinishLength {
		return nil, errMaxTokens("")
	}

	return &gwmodel.Response{
		Message:      out,
		Usage:        usage,
		FinishReason: finish,
	}, nil
}

func ptrValue(ptr *int32) int32 {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// errMaxTokens reports a generation that stopped at the provider's output
// token limit as a distinguished, non-retriable model error.
func errMaxTokens(model string) error {
	return gwerr.NewModelError(gwerr.KindMaxTokens, "bedrock", model, "generation stopped at the max-tokens limit", gwmodel.ErrMaxTokens)
}

func mapFinishReason(reason brtypes.StopReason) gwmodel.FinishReason {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return gwmodel.FinishStop
	case brtypes.StopReasonMaxTokens:
		return gwmodel.FinishLength
	case brtypes.StopReasonToolUse:
		return gwmodel.FinishToolCalls
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return gwmodel.FinishContentFilter
	default:
		return gwmodel.FinishOther(string(reason))
	}
}

// wrapRuntimeError reports Bedrock transport failures as gwerr.KindTransport
// (retriable within the execution loop's retry budget), noting when the
// underlying cause was throttling.
func wrapRuntimeError(modelID, op string, err error) error {
	msg := op + " failed"
	if isThrottled(err) {
		msg = op + " throttled"
	}
	return gwerr.NewModelError(gwerr.KindTransport, "bedrock", modelID, msg, err)
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
