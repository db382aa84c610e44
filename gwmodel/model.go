// Package gwmodel defines the canonical chat request/response/streaming
// types shared by every provider adapter, the tool dispatcher, the router,
// and the stream relay. It models messages as typed content parts (text,
// image, audio, tool use/result) rather than flattening to plain strings, so
// translation to and from provider wire formats stays lossless.
package gwmodel

import (
	"context"
	"encoding/json"
	"errors"
)

// ConversationRole is the role of a message in a conversation.
type ConversationRole string

const (
	// RoleSystem is the role for system messages.
	RoleSystem ConversationRole = "system"

	// RoleUser is the role for user messages.
	RoleUser ConversationRole = "user"

	// RoleAssistant is the role for assistant messages.
	RoleAssistant ConversationRole = "assistant"

	// RoleTool is the role for tool-result messages.
	RoleTool ConversationRole = "tool"
)

type (
	// Part is a marker interface implemented by every message content part.
	Part interface {
		isPart()
	}

	// TextPart is a plain text content block.
	TextPart struct {
		Text string
	}

	// ImagePart carries an image either as a URL or inline base64 data.
	ImagePart struct {
		// URL holds a remote image location, or a data URL (data:image/...;base64,...).
		URL string

		// Detail is a provider-specific rendering hint (e.g. OpenAI's "low"/"high"/"auto").
		Detail string
	}

	// AudioPart carries audio content attached to a message.
	AudioPart struct {
		// Format identifies the audio encoding (e.g. "wav", "mp3").
		Format string

		// Data is the base64-encoded audio payload.
		Data string
	}

	// ToolUsePart declares a tool invocation requested by the assistant.
	ToolUsePart struct {
		// ID uniquely identifies this tool call within the turn.
		ID string

		// Name is the tool identifier requested by the model.
		Name string

		// Arguments is the canonical JSON arguments string supplied by the model.
		Arguments string
	}

	// ToolResultPart carries the result of a prior tool call, correlated by ID.
	ToolResultPart struct {
		// ToolCallID correlates this result to a ToolUsePart.ID from a prior
		// assistant message.
		ToolCallID string

		// Content is the tool's result payload, rendered as a string.
		Content string

		// IsError reports whether Content represents an error from the tool.
		IsError bool
	}

	// Message is a single chat message in a transcript.
	Message struct {
		// Role identifies the speaker for this message.
		Role ConversationRole

		// Parts are the ordered content blocks for the message. A message may
		// instead set Content for the common case of a single text blob; when
		// both are empty the message carries no content (e.g. a tool-call-only
		// assistant turn has its calls in ToolCalls, not Parts).
		Parts []Part

		// Content is shorthand for a single TextPart; adapters treat a non-empty
		// Content identically to Parts == []Part{TextPart{Text: Content}}.
		Content string

		// ToolCalls lists tool invocations requested by this assistant message.
		ToolCalls []ToolCall

		// ToolCallID correlates a RoleTool message back to the ToolCall.ID it answers.
		ToolCallID string

		// Name optionally identifies the tool that produced a RoleTool message.
		Name string
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is a stable identifier for this call, used to correlate the
		// eventual tool-result message.
		ID string

		// Name is the function/tool name requested by the model.
		Name string

		// Arguments is the canonical JSON arguments string supplied by the model.
		// Provider adapters populate this incrementally while streaming and
		// finalize it once the tool-call block closes.
		Arguments string
	}

	// ToolDescriptor describes a tool exposed to the model.
	ToolDescriptor struct {
		// Name is the tool identifier as seen by the model.
		Name string

		// Description is presented to the model to decide when to call the tool.
		Description string

		// Parameters is a JSON-Schema-shaped object (type=object, properties,
		// required) describing the tool's input payload.
		Parameters json.RawMessage

		// StopAtCall, when true, tells the execution loop to surface the tool
		// call to the caller instead of dispatching it.
		StopAtCall bool
	}

	// ResponseFormat constrains the shape of the assistant's output.
	ResponseFormat struct {
		// Type is one of "text", "json_object", "json_schema".
		Type string

		// Schema is the JSON Schema payload when Type is "json_schema".
		Schema any
	}

	// ThinkingOptions configures provider-specific reasoning behavior.
	ThinkingOptions struct {
		Enable       bool
		BudgetTokens int
	}

	// Extras carries free-form request extensions: user metadata, a guard
	// name list to apply, and cache hints.
	Extras struct {
		User   map[string]any
		Guards []string
		Cache  map[string]any
	}

	// Request captures the inputs for a single model invocation.
	Request struct {
		// RunID identifies the logical run for this request when available.
		RunID string

		// TraceID correlates every lifecycle event this request produces,
		// across provider fallback attempts, with an external trace. It is
		// propagated from the inbound x-trace-id header (or generated fresh)
		// and carried unchanged through each attempt's execloop.Loop.
		TraceID string

		// Model is the provider-specific model identifier, in the form
		// "provider/model" or a bare model name.
		Model string

		// Messages is the ordered transcript.
		Messages []Message

		// Temperature, TopP, FrequencyPenalty, PresencePenalty, Seed, TopK are
		// sampling parameters; zero values mean "use provider defaults" except
		// where a pointer type disambiguates unset from zero.
		Temperature      *float32
		TopP             *float32
		FrequencyPenalty *float32
		PresencePenalty  *float32
		Seed             *int64
		TopK             *int
		StopSequences    []string

		// MaxTokens caps the number of output tokens when supported.
		MaxTokens int

		// Stream requests an incremental response when true.
		Stream bool

		// Tools lists the tool descriptors available to the model.
		Tools []ToolDescriptor

		// ToolChoice optionally constrains tool-use behavior: "auto", "none",
		// "required", or a specific tool name.
		ToolChoice string

		// ResponseFormat optionally constrains the output shape.
		ResponseFormat *ResponseFormat

		// Thinking configures provider-specific reasoning behavior.
		Thinking *ThinkingOptions

		// User is an opaque end-user identifier passed through to the provider.
		User string

		// MCPServers lists MCP server definitions whose tools are merged into
		// Tools before dispatch.
		MCPServers []MCPServerDef

		// Router optionally directs this request through a named routing
		// strategy instead of calling Model directly.
		Router *RouterDirective

		// Variables supplies values for the resolved model's prompt
		// template, substituted before the transcript reaches the adapter.
		Variables map[string]string

		// Extras carries free-form request extensions (guards, cache hints,
		// user metadata) that do not map to a first-class field above.
		Extras *Extras
	}

	// TokenUsage tracks token counts for a model call.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int

		// CachedTokens and ReasoningTokens mirror OpenAI's usage detail
		// breakdown (prompt_tokens_details.cached_tokens,
		// completion_tokens_details.reasoning_tokens).
		CachedTokens    int
		ReasoningTokens int
	}

	// ImageUsage tracks billing-relevant parameters for an image-generation call.
	ImageUsage struct {
		Quality string
		Size    string
		Count   int
		Steps   int
	}

	// Response is the result of a non-streaming invocation.
	Response struct {
		Message      Message
		Usage        TokenUsage
		FinishReason FinishReason
	}

	// Chunk is a single streaming event emitted by a provider adapter.
	Chunk struct {
		Type ChunkType

		// TextDelta carries incremental assistant text when Type is ChunkText.
		TextDelta string

		// ToolCall carries a finalized tool invocation when Type is ChunkToolCall.
		ToolCall *ToolCall

		// ToolCallDelta carries an incremental tool-call argument fragment when
		// Type is ChunkToolCallDelta. Best-effort; the canonical payload is
		// still delivered via ChunkToolCall once the block closes.
		ToolCallDelta *ToolCallDelta

		// UsageDelta reports incremental or final token usage.
		UsageDelta *TokenUsage

		// FinishReason is set when Type is ChunkStop.
		FinishReason FinishReason
	}

	// ToolCallDelta is an incremental tool-call argument fragment.
	ToolCallDelta struct {
		ID    string
		Name  string
		Delta string
	}

	// ChunkType classifies a streaming Chunk.
	ChunkType string

	// FinishReason records why generation stopped.
	FinishReason string

	// Client is the provider-agnostic model adapter interface.
	Client interface {
		// Complete performs a non-streaming model invocation.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream performs a streaming model invocation.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output.
	Streamer interface {
		// Recv returns the next chunk, or io.EOF once the stream is exhausted.
		Recv() (Chunk, error)

		// Close releases resources held by the stream.
		Close() error
	}
)

const (
	ChunkText          ChunkType = "text"
	ChunkToolCall      ChunkType = "tool_call"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkUsage         ChunkType = "usage"
	ChunkStop          ChunkType = "stop"
)

const (
	FinishStop          FinishReason = "stop"
	FinishStopSequence  FinishReason = "stop_sequence"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishGuardrail     FinishReason = "guardrail"
)

// FinishOther builds an "other" finish reason carrying a provider-specific string.
func FinishOther(reason string) FinishReason {
	if reason == "" {
		return FinishReason("other")
	}
	return FinishReason("other:" + reason)
}

// ErrStreamingUnsupported indicates the adapter does not support streaming.
var ErrStreamingUnsupported = errors.New("gwmodel: streaming not supported")

// ErrMaxTokens indicates the provider stopped generation because the
// configured token budget was exhausted. The execution loop does not retry
// it: the attempt fails at once and the error is returned to the caller,
// distinct from a successful FinishLength response.
var ErrMaxTokens = errors.New("gwmodel: max tokens reached")

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (AudioPart) isPart()      {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
