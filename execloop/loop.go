// Package execloop implements the execution loop (C3): the per-attempt
// state machine that drives a provider adapter, dispatches any requested
// tool calls, and loops until the model produces a final answer or the
// retry budget is exhausted.
//
// Tool calls within one assistant turn are dispatched in parallel via
// toolhub.Registry.DispatchAll and reassembled in call order before the
// next model turn.
package execloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/langdb/gateway/eventbus"
	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/toolhub"
)

// DefaultMaxRetries is the per-invocation retry budget when Loop.MaxRetries
// is nil.
const DefaultMaxRetries = 5

// Retries returns a pointer to n for Loop.MaxRetries. Retries(0) disables
// retries entirely, so the first failure propagates immediately.
func Retries(n int) *int {
	return &n
}

// Loop drives one request through a provider adapter, dispatching any
// requested tool calls and looping until a terminal finish reason or the
// retry budget is exhausted. A Loop is constructed fresh per request: it
// carries the resolved client, the request's tool registry, and the run's
// identifying metadata.
type Loop struct {
	Client gwmodel.Client
	Tools  *toolhub.Registry

	// MaxRetries bounds retry attempts and tool turns per invocation. Nil
	// means DefaultMaxRetries; an explicit zero disables retries.
	MaxRetries *int

	Bus        *eventbus.Bus
	RunID      string
	SessionID  string
	SpanID     string
	TraceID    string
	Tags       map[string]string
}

func (l *Loop) maxRetries() int {
	if l.MaxRetries == nil {
		return DefaultMaxRetries
	}
	if *l.MaxRetries < 0 {
		return 0
	}
	return *l.MaxRetries
}

func (l *Loop) emit(ev gwmodel.LifecycleEvent) {
	if l.Bus == nil {
		return
	}
	ev.RunID = l.RunID
	ev.SessionID = l.SessionID
	ev.SpanID = l.SpanID
	ev.TraceID = l.TraceID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.Bus.Publish(eventbus.Event{Payload: ev})
}

// Invoke runs the non-streaming state machine to completion: S0 builds the
// next request from the accumulated history, S1 calls the provider, S2/S3
// dispatch any requested tool calls and loop back to S0. It returns once the
// model reaches a terminal, non-tool-calls finish reason, a tool call
// declared stop_at_call is surfaced, or the retry/tool-turn budget (shared,
// per the invariant that both are bounded by max_retries) is exhausted.
func (l *Loop) Invoke(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventRunStart})

	working := cloneRequest(req)
	budget := l.maxRetries()

	for {
		l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventLLMStart})

		resp, err := l.Client.Complete(ctx, working)
		if err != nil {
			if errors.Is(err, gwmodel.ErrMaxTokens) {
				l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventRunError, Err: err})
				return nil, err
			}
			var merr *gwerr.ModelError
			if errors.As(err, &merr) && merr.Retriable() && budget > 0 {
				budget--
				continue
			}
			l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventRunError, Err: err})
			return nil, err
		}

		l.emit(gwmodel.LifecycleEvent{
			Type:         gwmodel.EventLLMStop,
			Usage:        resp.Usage,
			FinishReason: resp.FinishReason,
			Output:       &resp.Message,
		})

		if resp.FinishReason != gwmodel.FinishToolCalls || len(resp.Message.ToolCalls) == 0 {
			l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventRunEnd, Output: &resp.Message, Usage: resp.Usage})
			return resp, nil
		}

		// Mixed stop_at_call flags within one turn: the first tool call's
		// flag governs the whole turn, matching the gateway's documented
		// resolution of this otherwise-unspecified case.
		if l.Tools != nil && l.Tools.StopAtCall(resp.Message.ToolCalls[0].Name) {
			l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventRunEnd, Output: &resp.Message, Usage: resp.Usage})
			return resp, nil
		}

		if budget <= 0 {
			return nil, fmt.Errorf("execloop: tool-call loop exhausted retry budget")
		}
		budget--

		for _, tc := range resp.Message.ToolCalls {
			l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventToolStart, ToolCall: &tc})
		}

		results := l.Tools.DispatchAll(ctx, resp.Message.ToolCalls, l.Tags)
		for i, tc := range resp.Message.ToolCalls {
			l.emit(gwmodel.LifecycleEvent{Type: gwmodel.EventToolResult, ToolCall: &tc, ToolResult: results[i].Content})
		}

		working.Messages = append(working.Messages, resp.Message)
		working.Messages = append(working.Messages, results...)
	}
}

// Stream runs the streaming variant of the same state machine: S1 drives the
// adapter's Stream method instead of Complete, accumulating text deltas into
// a buffer so the terminal llm-stop event can carry the synthesized final
// output. It returns a channel of raw lifecycle events which the caller
// (normally streamrelay.Relay) drains; the goroutine started here closes
// the channel exactly once, after the terminal event.
func (l *Loop) Stream(ctx context.Context, req *gwmodel.Request) <-chan gwmodel.LifecycleEvent {
	inner := make(chan gwmodel.LifecycleEvent, 100)
	go func() {
		defer close(inner)
		l.runStream(ctx, req, inner)
	}()
	return inner
}

func (l *Loop) runStream(ctx context.Context, req *gwmodel.Request, inner chan<- gwmodel.LifecycleEvent) {
	send := func(ev gwmodel.LifecycleEvent) bool {
		ev.RunID = l.RunID
		ev.SessionID = l.SessionID
		ev.SpanID = l.SpanID
		ev.TraceID = l.TraceID
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		select {
		case inner <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	send(gwmodel.LifecycleEvent{Type: gwmodel.EventRunStart})

	working := cloneRequest(req)
	budget := l.maxRetries()

	for {
		send(gwmodel.LifecycleEvent{Type: gwmodel.EventLLMStart})

		streamer, err := l.Client.Stream(ctx, working)
		if err != nil {
			var merr *gwerr.ModelError
			if errors.As(err, &merr) && merr.Retriable() && budget > 0 {
				budget--
				continue
			}
			send(gwmodel.LifecycleEvent{Type: gwmodel.EventRunError, Err: err})
			return
		}

		var (
			textBuf      string
			toolCalls    []gwmodel.ToolCall
			usage        gwmodel.TokenUsage
			finish       gwmodel.FinishReason
			firstEmitted bool
			streamErr    error
		)

		for {
			chunk, rerr := streamer.Recv()
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					streamErr = rerr
				}
				break
			}
			switch chunk.Type {
			case gwmodel.ChunkText:
				if !firstEmitted {
					send(gwmodel.LifecycleEvent{Type: gwmodel.EventLLMFirstByte})
					firstEmitted = true
				}
				textBuf += chunk.TextDelta
				send(gwmodel.LifecycleEvent{Type: gwmodel.EventLLMContent, Content: chunk.TextDelta})
			case gwmodel.ChunkToolCall:
				if chunk.ToolCall != nil {
					toolCalls = append(toolCalls, *chunk.ToolCall)
					tc := *chunk.ToolCall
					send(gwmodel.LifecycleEvent{Type: gwmodel.EventToolStart, ToolCall: &tc})
				}
			case gwmodel.ChunkUsage:
				if chunk.UsageDelta != nil {
					usage = *chunk.UsageDelta
				}
			case gwmodel.ChunkStop:
				finish = chunk.FinishReason
			}
		}
		_ = streamer.Close()

		if streamErr != nil {
			var merr *gwerr.ModelError
			if errors.As(streamErr, &merr) && merr.Retriable() && budget > 0 {
				budget--
				continue
			}
			send(gwmodel.LifecycleEvent{Type: gwmodel.EventRunError, Err: streamErr})
			return
		}

		output := &gwmodel.Message{Role: gwmodel.RoleAssistant, Content: textBuf, ToolCalls: toolCalls}
		send(gwmodel.LifecycleEvent{Type: gwmodel.EventLLMStop, Usage: usage, FinishReason: finish, Output: output})

		if finish != gwmodel.FinishToolCalls || len(toolCalls) == 0 {
			send(gwmodel.LifecycleEvent{Type: gwmodel.EventRunEnd, Output: output, Usage: usage})
			return
		}

		if l.Tools != nil && l.Tools.StopAtCall(toolCalls[0].Name) {
			send(gwmodel.LifecycleEvent{Type: gwmodel.EventRunEnd, Output: output, Usage: usage})
			return
		}

		if budget <= 0 {
			send(gwmodel.LifecycleEvent{Type: gwmodel.EventRunError, Err: fmt.Errorf("execloop: tool-call loop exhausted retry budget")})
			return
		}
		budget--

		results := l.Tools.DispatchAll(ctx, toolCalls, l.Tags)
		for i, tc := range toolCalls {
			send(gwmodel.LifecycleEvent{Type: gwmodel.EventToolResult, ToolCall: &tc, ToolResult: results[i].Content})
		}

		working.Messages = append(working.Messages, *output)
		working.Messages = append(working.Messages, results...)
	}
}

// cloneRequest shallow-copies req and its Messages slice so appending tool
// turns never mutates the caller's original request.
func cloneRequest(req *gwmodel.Request) *gwmodel.Request {
	clone := *req
	clone.Messages = append([]gwmodel.Message(nil), req.Messages...)
	return &clone
}
