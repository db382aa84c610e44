// Package router implements the router (C5): selecting one or more target
// overrides from a RouterDirective's candidate set using a declared
// strategy (fallback, random, percentage, optimized). The optimized
// strategy resolves a bare model name by searching every provider and
// taking the best per-provider value.
package router

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/langdb/gateway/gwmodel"
)

// MetricsSource resolves a per-provider/per-model MetricsRecord for the
// optimized strategy. Implementations are read-only, lock-guarded views
// over the shared metrics store.
type MetricsSource interface {
	// Lookup returns the record for provider+model, or ok=false if no
	// samples have been recorded yet.
	Lookup(provider, model string) (*gwmodel.MetricsRecord, bool)

	// Providers lists every provider with at least one recorded model,
	// used by the optimized strategy's bare-model search.
	Providers() []string
}

// Resolve expands a RouterDirective into an ordered list of RouterTargets
// to try, using rnd for any strategy that draws random numbers (nil uses
// the package-level default source).
func Resolve(dir *gwmodel.RouterDirective, metrics MetricsSource, rnd *rand.Rand) ([]gwmodel.RouterTarget, error) {
	if dir == nil {
		return nil, fmt.Errorf("router: nil directive")
	}
	if len(dir.Targets) == 0 {
		return nil, fmt.Errorf("router: directive %q has no targets", dir.Name)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}

	switch dir.Strategy {
	case gwmodel.StrategyFallback, "":
		return dir.Targets, nil
	case gwmodel.StrategyRandom:
		i := rnd.Intn(len(dir.Targets))
		return []gwmodel.RouterTarget{dir.Targets[i]}, nil
	case gwmodel.StrategyPercentage:
		return []gwmodel.RouterTarget{pickPercentage(dir.Targets, rnd)}, nil
	case gwmodel.StrategyOptimized:
		return []gwmodel.RouterTarget{pickOptimized(dir.Targets, dir.Metric, dir.Window, metrics)}, nil
	default:
		return nil, fmt.Errorf("router: unknown strategy %q", dir.Strategy)
	}
}

// pickPercentage draws a uniform random value in [0, sum_of_percentages)
// and returns the target whose cumulative bucket contains it. A zero total
// (including the degenerate case of all-zero percentages) picks index 0.
func pickPercentage(targets []gwmodel.RouterTarget, rnd *rand.Rand) gwmodel.RouterTarget {
	var total float64
	for _, t := range targets {
		total += t.Percentage
	}
	if total <= 0 {
		return targets[0]
	}
	return bucketPick(targets, total, rnd.Float64()*total)
}

// bucketPick selects the target whose half-open cumulative-percentage
// bucket contains r: sum_{k<i} p_k <= r < sum_{k<=i} p_k.
// Extracted as a pure function of
// (targets, total, r) so the invariant can be property-tested directly
// against arbitrary percentage vectors and draws, independent of any RNG.
func bucketPick(targets []gwmodel.RouterTarget, total, r float64) gwmodel.RouterTarget {
	var cumulative float64
	for _, t := range targets {
		cumulative += t.Percentage
		if r < cumulative {
			return t
		}
	}
	return targets[len(targets)-1]
}

// optimizeDirection reports whether metric's best value is the minimum
// (true) or maximum (false) across candidates.
func optimizeDirection(metric gwmodel.MetricField) bool {
	switch metric {
	case gwmodel.MetricRequests, gwmodel.MetricTPS:
		return false // maximize
	default:
		return true // minimize: latency, ttft, error_rate
	}
}

func metricValue(roll *gwmodel.MetricsRollup, metric gwmodel.MetricField) (float64, bool) {
	switch metric {
	case gwmodel.MetricRequests:
		if roll.Requests == 0 && roll.Samples == 0 {
			return 0, false
		}
		return float64(roll.Requests), true
	case gwmodel.MetricTPS:
		if roll.Samples == 0 {
			return 0, false
		}
		return roll.MeanTPS, true
	case gwmodel.MetricLatency:
		if roll.Samples == 0 {
			return 0, false
		}
		return roll.MeanLatencyMS, true
	case gwmodel.MetricTTFT:
		if roll.Samples == 0 {
			return 0, false
		}
		return roll.MeanTTFTMS, true
	case gwmodel.MetricErrorRate:
		if roll.Samples == 0 {
			return 0, false
		}
		return roll.MeanErrorRate, true
	default:
		return 0, false
	}
}

// pickOptimized selects the target with the best rolling metric value,
// ties broken by first-encountered order. For a bare model name (no
// "provider/" prefix), every provider is searched and the single best
// per-provider value for that model represents it before the final
// cross-target comparison. If no target has metrics, the first target wins.
func pickOptimized(targets []gwmodel.RouterTarget, metric gwmodel.MetricField, window gwmodel.MetricWindow, metrics MetricsSource) gwmodel.RouterTarget {
	if metrics == nil {
		return targets[0]
	}
	minimize := optimizeDirection(metric)

	var best gwmodel.RouterTarget
	var bestValue float64
	haveBest := false

	for _, t := range targets {
		value, ok := bestValueForTarget(t.Model, metric, window, metrics, minimize)
		if !ok {
			continue
		}
		if !haveBest {
			best, bestValue, haveBest = t, value, true
			continue
		}
		if (minimize && value < bestValue) || (!minimize && value > bestValue) {
			best, bestValue = t, value
		}
	}

	if !haveBest {
		return targets[0]
	}
	return best
}

// bestValueForTarget resolves the metric value representing modelID: a
// direct per-provider/model lookup for "provider/model", or the best
// per-provider value across every known provider for a bare model name.
func bestValueForTarget(modelID string, metric gwmodel.MetricField, window gwmodel.MetricWindow, metrics MetricsSource, minimize bool) (float64, bool) {
	if provider, model, ok := strings.Cut(modelID, "/"); ok {
		rec, found := metrics.Lookup(provider, model)
		if !found {
			return 0, false
		}
		return metricValue(rec.Window(window), metric)
	}

	var best float64
	haveBest := false
	for _, provider := range metrics.Providers() {
		rec, found := metrics.Lookup(provider, modelID)
		if !found {
			continue
		}
		value, ok := metricValue(rec.Window(window), metric)
		if !ok {
			continue
		}
		if !haveBest {
			best, haveBest = value, true
			continue
		}
		if (minimize && value < best) || (!minimize && value > best) {
			best = value
		}
	}
	return best, haveBest
}

// Merge shallow-merges target onto req: a non-nil JSON value in
// target.Overrides replaces the corresponding request field; a present-but-
// null value preserves the original. target.Model, when non-empty,
// overrides req.Model directly (it is the common-case override and is
// always present rather than JSON-null-able).
func Merge(req *gwmodel.Request, target gwmodel.RouterTarget) *gwmodel.Request {
	merged := *req
	if target.Model != "" {
		merged.Model = target.Model
	}
	for field, value := range target.Overrides {
		if value == nil {
			continue
		}
		applyOverride(&merged, field, value)
	}
	return &merged
}

func applyOverride(req *gwmodel.Request, field string, value any) {
	switch field {
	case "model":
		if s, ok := value.(string); ok {
			req.Model = s
		}
	case "temperature":
		if f, ok := toFloat32(value); ok {
			req.Temperature = &f
		}
	case "top_p":
		if f, ok := toFloat32(value); ok {
			req.TopP = &f
		}
	case "frequency_penalty":
		if f, ok := toFloat32(value); ok {
			req.FrequencyPenalty = &f
		}
	case "presence_penalty":
		if f, ok := toFloat32(value); ok {
			req.PresencePenalty = &f
		}
	case "max_tokens":
		if i, ok := toInt(value); ok {
			req.MaxTokens = i
		}
	case "router":
		// A routed target never re-expands into another router directive.
	}
}

func toFloat32(v any) (float32, bool) {
	switch n := v.(type) {
	case float64:
		return float32(n), true
	case float32:
		return n, true
	case int:
		return float32(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
