package gwmodel

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent_RoundTrip_EveryVariant(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []LifecycleEvent{
		{Type: EventRunStart, SpanID: "s1", TraceID: "t1", RunID: "r1", At: at},
		{Type: EventLLMStart, SpanID: "s1", TraceID: "t1", At: at},
		{Type: EventLLMFirstByte, SpanID: "s1", TraceID: "t1", At: at},
		{Type: EventRunError, SpanID: "s1", TraceID: "t1", At: at, Err: errors.New("boom")},
		{Type: EventLLMContent, SpanID: "s1", TraceID: "t1", At: at, Content: "hello"},
		{
			Type: EventLLMStop, SpanID: "s1", TraceID: "t1", At: at,
			Usage:        TokenUsage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8},
			FinishReason: FinishToolCalls,
			Output: &Message{
				Role:    RoleAssistant,
				Content: "",
				ToolCalls: []ToolCall{
					{ID: "call_1", Name: "get_time", Arguments: `{}`},
				},
			},
		},
		{
			Type: EventRunEnd, SpanID: "s1", TraceID: "t1", At: at,
			Usage:  TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
			Output: &Message{Role: RoleAssistant, Content: "pong"},
		},
		{
			Type: EventToolStart, SpanID: "s1", TraceID: "t1", At: at,
			ToolCall: &ToolCall{ID: "call_1", Name: "get_time", Arguments: `{}`},
		},
		{
			Type: EventToolResult, SpanID: "s1", TraceID: "t1", At: at,
			ToolCall: &ToolCall{ID: "call_1", Name: "get_time", Arguments: `{}`}, ToolResult: "12:00",
		},
		{
			Type: EventImageFinish, SpanID: "s1", TraceID: "t1", At: at,
			ImageUsage: &ImageUsage{Quality: "hd", Size: "1024x1024", Count: 1, Steps: 4},
		},
	}

	for _, e := range cases {
		t.Run(string(e.Type), func(t *testing.T) {
			data, err := EncodeEvent(e)
			require.NoError(t, err)

			got, err := DecodeEvent(data)
			require.NoError(t, err)

			require.Equal(t, e.Type, got.Type)
			require.Equal(t, e.SpanID, got.SpanID)
			require.Equal(t, e.TraceID, got.TraceID)
			require.True(t, e.At.Equal(got.At))
			require.Equal(t, e.Content, got.Content)
			require.Equal(t, e.Usage, got.Usage)
			require.Equal(t, e.FinishReason, got.FinishReason)
			require.Equal(t, e.ToolResult, got.ToolResult)
			require.Equal(t, e.Output, got.Output)
			require.Equal(t, e.ToolCall, got.ToolCall)
			require.Equal(t, e.ImageUsage, got.ImageUsage)
			if e.Err != nil {
				require.EqualError(t, got.Err, e.Err.Error())
			} else {
				require.Nil(t, got.Err)
			}
		})
	}
}

// TestEncodeDecodeEvent_ContentRoundTrip property-tests that the
// llm_content variant round-trips through the codec for arbitrary text
// payloads.
func TestEncodeDecodeEvent_ContentRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("llm_content round-trips for any string", prop.ForAll(
		func(content, spanID, traceID string) bool {
			e := LifecycleEvent{
				Type: EventLLMContent, SpanID: spanID, TraceID: traceID,
				At: time.Unix(0, 0).UTC(), Content: content,
			}
			data, err := EncodeEvent(e)
			if err != nil {
				return false
			}
			got, err := DecodeEvent(data)
			if err != nil {
				return false
			}
			return got.Type == e.Type && got.Content == e.Content &&
				got.SpanID == e.SpanID && got.TraceID == e.TraceID
		},
		gen.AnyString(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
