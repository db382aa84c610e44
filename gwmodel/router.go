package gwmodel

// RouterStrategy selects how a RouterDirective picks among its targets.
type RouterStrategy string

const (
	// StrategyFallback attempts targets in declared order until one succeeds.
	StrategyFallback RouterStrategy = "fallback"

	// StrategyPercentage picks a target by weighted random selection using
	// each target's declared percentage.
	StrategyPercentage RouterStrategy = "percentage"

	// StrategyRandom picks a target uniformly at random.
	StrategyRandom RouterStrategy = "random"

	// StrategyOptimized picks the target with the best rolling metric value.
	StrategyOptimized RouterStrategy = "optimized"
)

// MetricField names a metric used by StrategyOptimized to rank targets and
// by RouterDirective.Window to select a rollup window.
type MetricField string

const (
	MetricRequests  MetricField = "requests"
	MetricLatency   MetricField = "latency"
	MetricTTFT      MetricField = "ttft"
	MetricTPS       MetricField = "tps"
	MetricErrorRate MetricField = "error_rate"
)

// MetricWindow selects which rollup window a metrics lookup reads.
type MetricWindow string

const (
	WindowTotal     MetricWindow = "total"
	WindowLastHour  MetricWindow = "last_hour"
	WindowLast15Min MetricWindow = "last_15m"
)

// RouterTarget is one candidate destination for a routed request: a partial
// field-override applied onto the original Request before dispatch.
type RouterTarget struct {
	// Model overrides Request.Model for this target.
	Model string

	// Percentage is the weight used by StrategyPercentage; ignored by other
	// strategies.
	Percentage float64

	// Overrides carries additional field-name -> JSON value overrides merged
	// onto the request (e.g. "temperature", "max_tokens").
	Overrides map[string]any
}

// RouterDirective selects a routing strategy and its candidate targets.
type RouterDirective struct {
	Name     string
	Strategy RouterStrategy
	Targets  []RouterTarget

	// Metric selects the ranking metric for StrategyOptimized.
	Metric MetricField

	// Window selects the rollup window read for Metric. Defaults to WindowTotal.
	Window MetricWindow
}

// MCPTransportKind names the wire transport used to reach an MCP server.
type MCPTransportKind string

const (
	MCPTransportSSE      MCPTransportKind = "sse"
	MCPTransportWS       MCPTransportKind = "websocket"
	MCPTransportHTTP     MCPTransportKind = "http"
	MCPTransportInMemory MCPTransportKind = "in_memory"
)

// MCPToolFilter narrows the tool set exposed by an MCP server, optionally
// overriding a tool's description.
type MCPToolFilter struct {
	// Names lists the tool names to keep. A nil/empty Names with All=true
	// keeps every tool the server advertises.
	Names []string

	// All, when true, keeps every tool the server advertises; Names is
	// ignored.
	All bool

	// DescriptionOverrides maps tool name to a replacement description.
	DescriptionOverrides map[string]string
}

// MCPServerDef declares an MCP server a request's tool set should be merged
// with.
type MCPServerDef struct {
	Name      string
	Transport MCPTransportKind
	URL       string
	Headers   map[string]string
	Env       map[string]string
	Selected  *MCPToolFilter
}

// MetricsRollup captures one rollup window's worth of scalar aggregates.
// Every field is independently optional; a zero value means "no samples",
// distinguished from a recorded zero via the Samples counter.
type MetricsRollup struct {
	Samples       int64
	Requests      int64
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	MeanLatencyMS float64
	MeanTTFTMS    float64
	MeanTPS       float64
	MeanCostUSD   float64
	MeanErrorRate float64
}

// MetricsRecord is the per-provider/per-model triple-window metrics rollup
// consulted by StrategyOptimized.
type MetricsRecord struct {
	Provider string
	Model    string

	Total     MetricsRollup
	LastHour  MetricsRollup
	Last15Min MetricsRollup
}

// Window returns the rollup for w, defaulting to Total for an unrecognized
// or empty window.
func (r *MetricsRecord) Window(w MetricWindow) *MetricsRollup {
	switch w {
	case WindowLastHour:
		return &r.LastHour
	case WindowLast15Min:
		return &r.Last15Min
	default:
		return &r.Total
	}
}
