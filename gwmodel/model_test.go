package gwmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartIsPartDistinguishesConcreteTypes(t *testing.T) {
	cases := []struct {
		name string
		part Part
	}{
		{name: "text", part: TextPart{Text: "hi"}},
		{name: "image", part: ImagePart{URL: "https://example.com/a.png"}},
		{name: "audio", part: AudioPart{Format: "wav", Data: "AAAA"}},
		{name: "tool_use", part: ToolUsePart{ID: "tu1", Name: "search", Arguments: `{"q":"go"}`}},
		{name: "tool_result", part: ToolResultPart{ToolCallID: "tu1", Content: "ok"}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.part)
		})
	}
}

func TestFinishOtherEncodesReason(t *testing.T) {
	require.Equal(t, FinishReason("other"), FinishOther(""))
	require.Equal(t, FinishReason("other:content_length"), FinishOther("content_length"))
}

func TestMetricsRecordWindowDefaultsToTotal(t *testing.T) {
	rec := &MetricsRecord{
		Provider:  "openai",
		Model:     "gpt-4o",
		Total:     MetricsRollup{Requests: 10},
		LastHour:  MetricsRollup{Requests: 3},
		Last15Min: MetricsRollup{Requests: 1},
	}

	require.Equal(t, int64(10), rec.Window(WindowTotal).Requests)
	require.Equal(t, int64(3), rec.Window(WindowLastHour).Requests)
	require.Equal(t, int64(1), rec.Window(WindowLast15Min).Requests)
	require.Equal(t, int64(10), rec.Window(MetricWindow("bogus")).Requests)
}

func TestRouterDirectiveCarriesOverridesPerTarget(t *testing.T) {
	dir := RouterDirective{
		Name:     "tiered",
		Strategy: StrategyPercentage,
		Targets: []RouterTarget{
			{Model: "openai/gpt-4o-mini", Percentage: 80},
			{Model: "anthropic/claude-3-5-haiku", Percentage: 20, Overrides: map[string]any{"temperature": 0.2}},
		},
	}

	require.Len(t, dir.Targets, 2)
	require.Equal(t, 0.2, dir.Targets[1].Overrides["temperature"])
}
