// Package streamrelay implements the stream relay (C4): it consumes the raw
// lifecycle events an execution loop emits for a streaming invocation,
// synthesizes the canonical SSE delta frames a client expects, and mirrors
// every raw event onto the event bus (C8).
//
// Sink is the transport-facing interface (SSEWriter implements it over an
// http.ResponseWriter + http.Flusher), while the inner channel carries
// gwmodel.LifecycleEvent, the gateway's internal event shape.
package streamrelay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/langdb/gateway/eventbus"
	"github.com/langdb/gateway/gwmodel"
)

// Sink delivers a synthesized SSE data frame to a transport. Implementations
// must be safe for the relay's single writer goroutine; Close is idempotent.
type Sink interface {
	// WriteFrame writes one already-serialized "data: ...\n\n" frame and
	// flushes it to the client.
	WriteFrame(ctx context.Context, frame []byte) error

	// Close releases resources held by the sink.
	Close() error
}

// Delta is the canonical chat-completion-chunk shape emitted for each SSE
// frame, matching the OpenAI-compatible streaming wire format the gateway's
// HTTP surface re-emits.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []DeltaToolCall `json:"tool_calls,omitempty"`
	Usage     *gwmodel.TokenUsage `json:"usage,omitempty"`
}

// DeltaToolCall is one tool-call entry in a Delta, re-indexed from 0 within
// the SSE stream regardless of any upstream provider index.
type DeltaToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type"`
	Function DeltaToolCallFn  `json:"function"`
}

// DeltaToolCallFn carries the function name/arguments fragment of a
// DeltaToolCall.
type DeltaToolCallFn struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

const doneFrame = "data: [DONE]\n\n"

// Relay drains one invocation's inner event channel, writes SSE frames to
// sink, and broadcasts every raw event to bus. One Relay instance serves
// exactly one streaming request.
type Relay struct {
	sink Sink
	bus  *eventbus.Bus

	accumulated string
	toolCalls   []DeltaToolCall
	toolIndex   map[string]int
}

// New builds a Relay writing to sink and broadcasting to bus. bus may be nil
// to disable broadcasting (e.g. in tests that only check SSE framing).
func New(sink Sink, bus *eventbus.Bus) *Relay {
	return &Relay{sink: sink, bus: bus, toolIndex: map[string]int{}}
}

// Run drains inner until it closes or ctx is canceled, writing SSE frames to
// the sink and broadcasting every raw event. It always attempts to write the
// terminal frame (a final delta, an error frame, or [DONE]) before returning.
//
// Cancellation: if ctx is canceled (client disconnect), Run stops writing to
// the sink immediately but keeps draining inner so the producer goroutine
// feeding it never blocks; the adapter's own I/O is left to complete in the
// background, its remaining events discarded.
func (r *Relay) Run(ctx context.Context, inner <-chan gwmodel.LifecycleEvent) error {
	disconnected := false
	var runErr error

	for ev := range inner {
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Payload: ev})
		}
		if disconnected {
			continue
		}
		if ctx.Err() != nil {
			disconnected = true
			continue
		}

		frame, _, err := r.translate(ev)
		if err != nil {
			runErr = err
			disconnected = true
			_ = r.writeError(ctx, err)
			continue
		}
		if frame == nil {
			continue
		}
		if werr := r.sink.WriteFrame(ctx, frame); werr != nil {
			disconnected = true
			continue
		}
	}

	if !disconnected {
		_ = r.sink.WriteFrame(ctx, []byte(doneFrame))
	}
	return runErr
}

// translate maps one LifecycleEvent onto an SSE frame. It returns a nil
// frame for events that carry no client-visible delta (run_start, tool_start
// internals already surfaced via the tool_calls delta, etc).
func (r *Relay) translate(ev gwmodel.LifecycleEvent) (frame []byte, terminal bool, err error) {
	switch ev.Type {
	case gwmodel.EventLLMContent:
		r.accumulated += ev.Content
		return r.encode(Delta{Role: "assistant", Content: ev.Content}), false, nil

	case gwmodel.EventToolStart:
		if ev.ToolCall == nil {
			return nil, false, nil
		}
		idx, ok := r.toolIndex[ev.ToolCall.ID]
		if !ok {
			idx = len(r.toolCalls)
			r.toolIndex[ev.ToolCall.ID] = idx
			r.toolCalls = append(r.toolCalls, DeltaToolCall{
				Index: idx,
				ID:    ev.ToolCall.ID,
				Type:  "function",
				Function: DeltaToolCallFn{
					Name:      ev.ToolCall.Name,
					Arguments: ev.ToolCall.Arguments,
				},
			})
		}
		return r.encode(Delta{
			Role:      "assistant",
			ToolCalls: []DeltaToolCall{r.toolCalls[idx]},
		}), false, nil

	case gwmodel.EventLLMStop:
		if ev.FinishReason == gwmodel.FinishToolCalls {
			d := Delta{Role: "assistant", Usage: &ev.Usage}
			if len(r.toolCalls) > 0 {
				d.ToolCalls = r.toolCalls
			}
			return r.encode(d), true, nil
		}
		return r.encode(Delta{Role: "assistant", Usage: &ev.Usage}), true, nil

	case gwmodel.EventRunError:
		return nil, false, ev.Err

	default:
		return nil, false, nil
	}
}

func (r *Relay) encode(d Delta) []byte {
	body, err := json.Marshal(d)
	if err != nil {
		return []byte(fmt.Sprintf(`data: {"error":%q}`+"\n\n", err.Error()))
	}
	return append(append([]byte("data: "), body...), '\n', '\n')
}

func (r *Relay) writeError(ctx context.Context, err error) error {
	frame := []byte(fmt.Sprintf(`data: {"error":%q}`+"\n\n", err.Error()))
	if werr := r.sink.WriteFrame(ctx, frame); werr != nil {
		return werr
	}
	return r.sink.WriteFrame(ctx, []byte(doneFrame))
}
