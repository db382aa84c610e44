package streamrelay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/eventbus"
	"github.com/langdb/gateway/gwmodel"
)

type bufSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (b *bufSink) WriteFrame(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, append([]byte(nil), frame...))
	return nil
}

func (b *bufSink) Close() error {
	b.closed = true
	return nil
}

func (b *bufSink) joined() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, f := range b.frames {
		sb.Write(f)
	}
	return sb.String()
}

func TestRun_TextDeltasThenDone(t *testing.T) {
	sink := &bufSink{}
	r := New(sink, nil)
	inner := make(chan gwmodel.LifecycleEvent, 4)
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventLLMContent, Content: "hel"}
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventLLMContent, Content: "lo"}
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventLLMStop, FinishReason: gwmodel.FinishStop}
	close(inner)

	err := r.Run(context.Background(), inner)
	require.NoError(t, err)

	out := sink.joined()
	require.True(t, strings.HasSuffix(out, doneFrame))
	require.Contains(t, out, `"content":"hel"`)
	require.Contains(t, out, `"content":"lo"`)
}

func TestRun_ToolCallsAreReindexedFromZero(t *testing.T) {
	sink := &bufSink{}
	r := New(sink, nil)
	inner := make(chan gwmodel.LifecycleEvent, 4)
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventToolStart, ToolCall: &gwmodel.ToolCall{ID: "call_A", Name: "search", Arguments: `{"q":"a"}`}}
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventToolStart, ToolCall: &gwmodel.ToolCall{ID: "call_B", Name: "fetch", Arguments: `{}`}}
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventLLMStop, FinishReason: gwmodel.FinishToolCalls}
	close(inner)

	require.NoError(t, r.Run(context.Background(), inner))

	var finalDelta Delta
	lines := strings.Split(sink.joined(), "\n\n")
	require.GreaterOrEqual(t, len(lines), 3)
	payload := strings.TrimPrefix(lines[2], "data: ")
	require.NoError(t, json.Unmarshal([]byte(payload), &finalDelta))
	require.Len(t, finalDelta.ToolCalls, 2)
	require.Equal(t, 0, finalDelta.ToolCalls[0].Index)
	require.Equal(t, 1, finalDelta.ToolCalls[1].Index)
}

func TestRun_ErrorEventEmitsErrorFrameThenDone(t *testing.T) {
	sink := &bufSink{}
	r := New(sink, nil)
	inner := make(chan gwmodel.LifecycleEvent, 2)
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventRunError, Err: errors.New("boom")}
	close(inner)

	err := r.Run(context.Background(), inner)
	require.Error(t, err)
	out := sink.joined()
	require.Contains(t, out, `"error":"boom"`)
	require.True(t, strings.HasSuffix(out, doneFrame))
}

func TestRun_BroadcastsEveryRawEvent(t *testing.T) {
	bus := eventbus.New(8)
	sub := bus.Subscribe()
	defer sub.Close()

	sink := &bufSink{}
	r := New(sink, bus)
	inner := make(chan gwmodel.LifecycleEvent, 2)
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventLLMContent, Content: "hi"}
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventLLMStop, FinishReason: gwmodel.FinishStop}
	close(inner)

	require.NoError(t, r.Run(context.Background(), inner))

	received := 0
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				require.Equal(t, 2, received)
				return
			}
			received++
		default:
			require.Equal(t, 2, received)
			return
		}
	}
}

func TestRun_ClientDisconnectStopsWritesButDrainsInner(t *testing.T) {
	sink := &bufSink{}
	r := New(sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := make(chan gwmodel.LifecycleEvent, 2)
	inner <- gwmodel.LifecycleEvent{Type: gwmodel.EventLLMContent, Content: "hi"}
	close(inner)

	err := r.Run(ctx, inner)
	require.NoError(t, err)
	require.Empty(t, sink.joined())
}
