package gwmodel

import "time"

// EventType tags a LifecycleEvent's variant.
type EventType string

const (
	EventRunStart     EventType = "run_start"
	EventRunEnd       EventType = "run_end"
	EventRunError     EventType = "run_error"
	EventLLMStart     EventType = "llm_start"
	EventLLMFirstByte EventType = "llm_first_token"
	EventLLMContent   EventType = "llm_content"
	EventLLMStop      EventType = "llm_stop"
	EventToolStart    EventType = "tool_start"
	EventToolResult   EventType = "tool_result"
	EventImageFinish  EventType = "image_finish"
)

// LifecycleEvent is a single tagged event emitted during a run. Every event
// carries identifying and timing metadata; the Type selects which of the
// optional payload fields are populated.
type LifecycleEvent struct {
	Type EventType

	// SpanID and TraceID correlate this event to its tracing span.
	SpanID  string
	TraceID string

	// RunID and SessionID identify the logical run and caller session.
	RunID     string
	SessionID string

	// At is the wall-clock timestamp the event was produced.
	At time.Time

	// Err is populated for EventRunError.
	Err error

	// Content carries an incremental text delta for EventLLMContent.
	Content string

	// Usage and FinishReason are populated for EventLLMStop.
	Usage        TokenUsage
	FinishReason FinishReason

	// ToolCall is populated for EventToolStart and EventToolResult.
	ToolCall *ToolCall

	// ToolResult carries the dispatched result text for EventToolResult.
	ToolResult string

	// Output carries the final assistant message for EventLLMStop and
	// EventRunEnd.
	Output *Message

	// ImageUsage is populated for EventImageFinish.
	ImageUsage *ImageUsage
}
