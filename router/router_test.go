package router

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/gwmodel"
)

func TestResolve_Fallback(t *testing.T) {
	dir := &gwmodel.RouterDirective{
		Strategy: gwmodel.StrategyFallback,
		Targets: []gwmodel.RouterTarget{
			{Model: "a"}, {Model: "b"}, {Model: "c"},
		},
	}
	targets, err := Resolve(dir, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, modelNames(targets))
}

func TestResolve_NoTargetsErrors(t *testing.T) {
	_, err := Resolve(&gwmodel.RouterDirective{Strategy: gwmodel.StrategyFallback}, nil, nil)
	require.Error(t, err)
}

func TestPickPercentage_ZeroSumPicksFirst(t *testing.T) {
	targets := []gwmodel.RouterTarget{{Model: "a", Percentage: 0}, {Model: "b", Percentage: 0}}
	rnd := rand.New(rand.NewSource(1))
	got := pickPercentage(targets, rnd)
	require.Equal(t, "a", got.Model)
}

func TestPickPercentage_Distribution(t *testing.T) {
	targets := []gwmodel.RouterTarget{
		{Model: "a", Percentage: 0.25},
		{Model: "b", Percentage: 0.75},
	}
	rnd := rand.New(rand.NewSource(42))
	counts := map[string]int{}
	const draws = 10000
	for i := 0; i < draws; i++ {
		counts[pickPercentage(targets, rnd).Model]++
	}
	require.InDelta(t, draws/4, counts["a"], 400)
	require.InDelta(t, 3*draws/4, counts["b"], 400)
}

func TestPickPercentage_BoundaryIsHalfOpen(t *testing.T) {
	// r == cumulative boundary belongs to the NEXT bucket (r < cumulative).
	targets := []gwmodel.RouterTarget{
		{Model: "a", Percentage: 1},
		{Model: "b", Percentage: 1},
	}
	// math/rand's Float64 output can't be forced to 1.0, so the boundary
	// draw goes straight to bucketPick; the draws below only check that
	// pickPercentage always returns one of the targets.
	require.Equal(t, "b", bucketPick(targets, 2, 1.0).Model)
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		got := pickPercentage(targets, rnd)
		require.Contains(t, []string{"a", "b"}, got.Model)
	}
}

type fakeMetrics struct {
	recs map[string]*gwmodel.MetricsRecord
}

func (f *fakeMetrics) Lookup(provider, model string) (*gwmodel.MetricsRecord, bool) {
	r, ok := f.recs[provider+"/"+model]
	return r, ok
}

func (f *fakeMetrics) Providers() []string {
	seen := map[string]bool{}
	var out []string
	for k := range f.recs {
		provider, _, _ := cut(k)
		if !seen[provider] {
			seen[provider] = true
			out = append(out, provider)
		}
	}
	return out
}

func cut(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func rollup(samples int64, requests int64, ttft float64) gwmodel.MetricsRollup {
	return gwmodel.MetricsRollup{Samples: samples, Requests: requests, MeanTTFTMS: ttft}
}

func TestPickOptimized_TTFTAcrossProviders(t *testing.T) {
	metrics := &fakeMetrics{recs: map[string]*gwmodel.MetricsRecord{
		"openai/gpt-4o-mini": {Total: rollup(1, 100, 1800)},
		"openai/gpt-4o":      {Total: rollup(1, 100, 1900)},
		"gemini/gemini-1.5-flash-latest": {Total: rollup(1, 100, 1000)},
		"gemini/gemini-1.5-pro-latest":   {Total: rollup(1, 100, 1100)},
	}}
	targets := []gwmodel.RouterTarget{
		{Model: "openai/gpt-4o-mini"},
		{Model: "gemini/gemini-1.5-flash-latest"},
		{Model: "openai/gpt-4o"},
		{Model: "gemini/gemini-1.5-pro-latest"},
	}
	got := pickOptimized(targets, gwmodel.MetricTTFT, gwmodel.WindowTotal, metrics)
	require.Equal(t, "gemini/gemini-1.5-flash-latest", got.Model)
}

func TestPickOptimized_RequestsIsMaximized(t *testing.T) {
	metrics := &fakeMetrics{recs: map[string]*gwmodel.MetricsRecord{
		"openai/gpt-4o-mini": {Total: gwmodel.MetricsRollup{Samples: 1, Requests: 500}},
		"openai/gpt-4o":      {Total: gwmodel.MetricsRollup{Samples: 1, Requests: 100}},
	}}
	targets := []gwmodel.RouterTarget{{Model: "openai/gpt-4o-mini"}, {Model: "openai/gpt-4o"}}
	got := pickOptimized(targets, gwmodel.MetricRequests, gwmodel.WindowTotal, metrics)
	require.Equal(t, "openai/gpt-4o-mini", got.Model)
}

func TestPickOptimized_NoMetricsPicksFirst(t *testing.T) {
	targets := []gwmodel.RouterTarget{{Model: "a"}, {Model: "b"}}
	got := pickOptimized(targets, gwmodel.MetricLatency, gwmodel.WindowTotal, &fakeMetrics{recs: map[string]*gwmodel.MetricsRecord{}})
	require.Equal(t, "a", got.Model)
}

func TestMerge_NullPreservesNonNullReplaces(t *testing.T) {
	temp := float32(0.5)
	req := &gwmodel.Request{Model: "gpt-4o", Temperature: &temp}
	target := gwmodel.RouterTarget{
		Model: "gpt-4o-mini",
		Overrides: map[string]any{
			"temperature": nil,
			"max_tokens":  float64(256),
		},
	}
	merged := Merge(req, target)
	require.Equal(t, "gpt-4o-mini", merged.Model)
	require.Equal(t, &temp, merged.Temperature) // null override preserves original
	require.Equal(t, 256, merged.MaxTokens)
}

func modelNames(targets []gwmodel.RouterTarget) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Model
	}
	return out
}
