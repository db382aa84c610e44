package gwmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// wireEvent is the telemetry wire envelope: a tagged union with
// {span_id, trace_id, timestamp, event:{type,data}}. Run and session
// identifiers ride alongside as additional envelope fields.
type wireEvent struct {
	SpanID    string          `json:"span_id"`
	TraceID   string          `json:"trace_id"`
	RunID     string          `json:"run_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Event     wireEventBody   `json:"event"`
}

type wireEventBody struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wireRunError struct {
	Error string `json:"error"`
}

type wireLLMContent struct {
	Content string `json:"content"`
}

type wireLLMStop struct {
	Usage        TokenUsage   `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	Output       *wireMessage `json:"output,omitempty"`
}

type wireRunEnd struct {
	Usage  TokenUsage   `json:"usage"`
	Output *wireMessage `json:"output,omitempty"`
}

type wireToolEvent struct {
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolResult string    `json:"tool_result,omitempty"`
}

type wireImageFinish struct {
	ImageUsage *ImageUsage `json:"image_usage,omitempty"`
}

// EncodeEvent renders e as its telemetry wire JSON.
func EncodeEvent(e LifecycleEvent) ([]byte, error) {
	body, err := encodeEventData(e)
	if err != nil {
		return nil, fmt.Errorf("gwmodel: encode event %s: %w", e.Type, err)
	}
	wire := wireEvent{
		SpanID:    e.SpanID,
		TraceID:   e.TraceID,
		RunID:     e.RunID,
		SessionID: e.SessionID,
		Timestamp: e.At,
		Event:     wireEventBody{Type: e.Type, Data: body},
	}
	return json.Marshal(wire)
}

// DecodeEvent parses data produced by EncodeEvent back into a LifecycleEvent.
func DecodeEvent(data []byte) (LifecycleEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return LifecycleEvent{}, fmt.Errorf("gwmodel: decode event: %w", err)
	}
	e := LifecycleEvent{
		Type:      wire.Event.Type,
		SpanID:    wire.SpanID,
		TraceID:   wire.TraceID,
		RunID:     wire.RunID,
		SessionID: wire.SessionID,
		At:        wire.Timestamp,
	}
	if err := decodeEventData(&e, wire.Event.Data); err != nil {
		return LifecycleEvent{}, fmt.Errorf("gwmodel: decode event %s data: %w", wire.Event.Type, err)
	}
	return e, nil
}

func encodeEventData(e LifecycleEvent) (json.RawMessage, error) {
	switch e.Type {
	case EventRunStart, EventLLMStart, EventLLMFirstByte:
		return nil, nil
	case EventRunError:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return json.Marshal(wireRunError{Error: msg})
	case EventLLMContent:
		return json.Marshal(wireLLMContent{Content: e.Content})
	case EventLLMStop:
		return json.Marshal(wireLLMStop{Usage: e.Usage, FinishReason: e.FinishReason, Output: toWireMessage(e.Output)})
	case EventRunEnd:
		return json.Marshal(wireRunEnd{Usage: e.Usage, Output: toWireMessage(e.Output)})
	case EventToolStart, EventToolResult:
		return json.Marshal(wireToolEvent{ToolCall: e.ToolCall, ToolResult: e.ToolResult})
	case EventImageFinish:
		return json.Marshal(wireImageFinish{ImageUsage: e.ImageUsage})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

func decodeEventData(e *LifecycleEvent, data json.RawMessage) error {
	switch e.Type {
	case EventRunStart, EventLLMStart, EventLLMFirstByte:
		return nil
	case EventRunError:
		if len(data) == 0 {
			return nil
		}
		var body wireRunError
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		if body.Error != "" {
			e.Err = errors.New(body.Error)
		}
		return nil
	case EventLLMContent:
		var body wireLLMContent
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		e.Content = body.Content
		return nil
	case EventLLMStop:
		var body wireLLMStop
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		e.Usage = body.Usage
		e.FinishReason = body.FinishReason
		e.Output = fromWireMessage(body.Output)
		return nil
	case EventRunEnd:
		var body wireRunEnd
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		e.Usage = body.Usage
		e.Output = fromWireMessage(body.Output)
		return nil
	case EventToolStart, EventToolResult:
		var body wireToolEvent
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		e.ToolCall = body.ToolCall
		e.ToolResult = body.ToolResult
		return nil
	case EventImageFinish:
		var body wireImageFinish
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		e.ImageUsage = body.ImageUsage
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// wireMessage mirrors Message for JSON purposes, expanding Parts into a
// discriminated-union array since Part has no exported kind tag of its own.
type wireMessage struct {
	Role       ConversationRole `json:"role"`
	Content    string           `json:"content,omitempty"`
	Parts      []wirePart       `json:"parts,omitempty"`
	ToolCalls  []ToolCall       `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type wirePart struct {
	Kind string `json:"kind"`

	// TextPart
	Text string `json:"text,omitempty"`

	// ImagePart
	URL    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`

	// AudioPart
	Format string `json:"format,omitempty"`
	Data   string `json:"data,omitempty"`

	// ToolUsePart
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// ToolResultPart
	ToolCallID string `json:"tool_call_id,omitempty"`
	TContent   string `json:"tool_content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

func toWireMessage(m *Message) *wireMessage {
	if m == nil {
		return nil
	}
	wm := &wireMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	for _, p := range m.Parts {
		wm.Parts = append(wm.Parts, toWirePart(p))
	}
	return wm
}

func fromWireMessage(wm *wireMessage) *Message {
	if wm == nil {
		return nil
	}
	m := &Message{
		Role:       wm.Role,
		Content:    wm.Content,
		ToolCalls:  wm.ToolCalls,
		ToolCallID: wm.ToolCallID,
		Name:       wm.Name,
	}
	for _, p := range wm.Parts {
		if part, ok := fromWirePart(p); ok {
			m.Parts = append(m.Parts, part)
		}
	}
	return m
}

func toWirePart(p Part) wirePart {
	switch v := p.(type) {
	case TextPart:
		return wirePart{Kind: "text", Text: v.Text}
	case ImagePart:
		return wirePart{Kind: "image", URL: v.URL, Detail: v.Detail}
	case AudioPart:
		return wirePart{Kind: "audio", Format: v.Format, Data: v.Data}
	case ToolUsePart:
		return wirePart{Kind: "tool_use", ID: v.ID, Name: v.Name, Arguments: v.Arguments}
	case ToolResultPart:
		return wirePart{Kind: "tool_result", ToolCallID: v.ToolCallID, TContent: v.Content, IsError: v.IsError}
	default:
		return wirePart{Kind: "unknown"}
	}
}

func fromWirePart(w wirePart) (Part, bool) {
	switch w.Kind {
	case "text":
		return TextPart{Text: w.Text}, true
	case "image":
		return ImagePart{URL: w.URL, Detail: w.Detail}, true
	case "audio":
		return AudioPart{Format: w.Format, Data: w.Data}, true
	case "tool_use":
		return ToolUsePart{ID: w.ID, Name: w.Name, Arguments: w.Arguments}, true
	case "tool_result":
		return ToolResultPart{ToolCallID: w.ToolCallID, Content: w.TContent, IsError: w.IsError}, true
	default:
		return nil, false
	}
}
