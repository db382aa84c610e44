package gwserver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/langdb/gateway/costcalc"
	"github.com/langdb/gateway/eventbus"
	"github.com/langdb/gateway/execloop"
	"github.com/langdb/gateway/gwerr"
	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/guardrail"
	"github.com/langdb/gateway/router"
	"github.com/langdb/gateway/streamrelay"
	"github.com/langdb/gateway/telemetry"
	"github.com/langdb/gateway/toolhub"
)

// Orchestrator is the gateway's C9 pipeline: it resolves a request's model
// or router directive against the Catalog, runs input guardrails, drives
// the execution loop, runs output guardrails, and records cost/latency
// metrics. A zero-value Orchestrator is not usable; every field below is
// required unless documented otherwise.
type Orchestrator struct {
	Catalog *Catalog

	// Guards maps guard id to its definition; a request selects a subset by
	// name via Extras.Guards.
	Guards map[string]guardrail.Definition

	// RouterMetrics is consulted by the optimized routing strategy. May be
	// nil, in which case optimized directives fall back to their first
	// target.
	RouterMetrics router.MetricsSource

	// Metrics records per-invocation latency/cost samples. Optional; a nil
	// Metrics disables recording. *MetricsStore and *RedisMetricsStore both
	// satisfy this, letting a clustered deployment swap in the Redis-backed
	// store without changing the orchestrator.
	Metrics MetricsRecorder

	Tools    *toolhub.Builder
	CostCalc *costcalc.Calculator

	// MaxRetries bounds each execution loop's retry budget. Nil means
	// execloop.DefaultMaxRetries; an explicit zero disables retries.
	MaxRetries *int

	// EventBusBuffer sizes each invocation's event bus; defaults to 64.
	EventBusBuffer int

	// Logger receives fallback diagnostics; guard rejections are returned as
	// errors, not logged. Defaults to a no-op logger.
	Logger telemetry.Logger

	// Tracer opens a span around each resolved-target attempt. Defaults to
	// a no-op tracer.
	Tracer telemetry.Tracer
}

func (o *Orchestrator) logger() telemetry.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return telemetry.NewNoopLogger()
}

func (o *Orchestrator) tracer() telemetry.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return telemetry.NewNoopTracer()
}

type stackEntry struct {
	req    *gwmodel.Request
	target *gwmodel.RouterTarget
}

func (o *Orchestrator) busBuffer() int {
	if o.EventBusBuffer > 0 {
		return o.EventBusBuffer
	}
	return 64
}

// Handle runs the non-streaming pipeline: it expands req's router directive
// (if any) into a stack of candidate targets and tries each in turn, moving
// to the next target when an attempt fails.
func (o *Orchestrator) Handle(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	stack := []stackEntry{{req: req}}
	var lastErr error

	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		working := entry.req
		if entry.target != nil {
			working = router.Merge(entry.req, *entry.target)
		}

		if working.Router != nil {
			targets, err := router.Resolve(working.Router, o.RouterMetrics, nil)
			if err != nil {
				lastErr = err
				continue
			}
			base := cloneRequest(working)
			base.Router = nil
			for i := len(targets) - 1; i >= 0; i-- {
				t := targets[i]
				stack = append(stack, stackEntry{req: base, target: &t})
			}
			continue
		}

		resp, err := o.attempt(ctx, working)
		if err == nil {
			return resp, nil
		}
		if len(stack) > 0 {
			o.logger().Warn(ctx, "gwserver: target failed, trying next target",
				"model", working.Model, "error", err.Error())
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errModelNotFound(req.Model)
	}
	return nil, lastErr
}

// attempt runs one fully-resolved request (no remaining Router directive)
// through catalog resolution, input guards, the execution loop, output
// guards, and cost/metrics recording.
func (o *Orchestrator) attempt(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	ctx, span := o.tracer().Start(ctx, "gwserver.attempt")
	defer span.End()

	entry, ok := o.Catalog.Resolve(req.Model)
	if !ok {
		err := gwerr.NewModelError(gwerr.KindModelNotFound, "", req.Model, "model not found in catalog", nil)
		span.RecordError(err)
		return nil, err
	}

	if entry.Prompt != nil {
		composed, err := entry.Prompt.Compose(req.Messages, req.Variables)
		if err != nil {
			err = gwerr.NewModelError(gwerr.KindInput, entry.Provider, entry.Model, err.Error(), err)
			span.RecordError(err)
			return nil, err
		}
		req = cloneRequest(req)
		req.Messages = composed
	}

	guards := o.resolveGuards(req)
	params := requestParams(req)

	if err := o.runGuards(ctx, guards, guardrail.StageInput, req.Messages, params); err != nil {
		return nil, err
	}

	toolReg, err := o.Tools.Build(ctx, req.Tools, req.MCPServers)
	if err != nil {
		return nil, fmt.Errorf("gwserver: build tool registry: %w", err)
	}

	bus := eventbus.New(o.busBuffer())
	defer bus.Close()

	loop := &execloop.Loop{
		Client:     entry.Client,
		Tools:      toolReg,
		MaxRetries: o.MaxRetries,
		Bus:        bus,
		RunID:      req.RunID,
		SpanID:     uuid.NewString(),
		TraceID:    req.TraceID,
		Tags:       extrasTags(req),
	}

	start := time.Now()
	resp, err := loop.Invoke(ctx, req)
	if err != nil {
		o.recordMetrics(entry.Provider, entry.Model, start, 0, true)
		return nil, err
	}

	outputTranscript := append(append([]gwmodel.Message(nil), req.Messages...), resp.Message)
	if err := o.runGuards(ctx, guards, guardrail.StageOutput, outputTranscript, params); err != nil {
		return nil, err
	}

	breakdown := o.CostCalc.Completion(entry.Provider, entry.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	o.recordMetrics(entry.Provider, entry.Model, start, breakdown.TotalUSD, false)

	return resp, nil
}

// HandleStream runs the streaming pipeline: it resolves exactly one target
// from req's router directive and relays the execution loop's lifecycle
// events as SSE frames. A streaming failure is not retried against the
// remaining targets; frames may already have reached the client.
func (o *Orchestrator) HandleStream(ctx context.Context, req *gwmodel.Request, sink streamrelay.Sink) error {
	working := req
	if req.Router != nil {
		targets, err := router.Resolve(req.Router, o.RouterMetrics, nil)
		if err != nil {
			return o.writeStreamError(ctx, sink, err)
		}
		if len(targets) == 0 {
			return o.writeStreamError(ctx, sink, fmt.Errorf("gwserver: router directive %q resolved no targets", req.Router.Name))
		}
		base := cloneRequest(req)
		base.Router = nil
		working = router.Merge(base, targets[0])
	}

	entry, ok := o.Catalog.Resolve(working.Model)
	if !ok {
		return o.writeStreamError(ctx, sink, gwerr.NewModelError(gwerr.KindModelNotFound, "", working.Model, "model not found in catalog", nil))
	}

	if entry.Prompt != nil {
		composed, err := entry.Prompt.Compose(working.Messages, working.Variables)
		if err != nil {
			return o.writeStreamError(ctx, sink, gwerr.NewModelError(gwerr.KindInput, entry.Provider, entry.Model, err.Error(), err))
		}
		working = cloneRequest(working)
		working.Messages = composed
	}

	guards := o.resolveGuards(working)
	params := requestParams(working)
	if err := o.runGuards(ctx, guards, guardrail.StageInput, working.Messages, params); err != nil {
		return o.writeStreamError(ctx, sink, err)
	}

	toolReg, err := o.Tools.Build(ctx, working.Tools, working.MCPServers)
	if err != nil {
		return o.writeStreamError(ctx, sink, err)
	}

	bus := eventbus.New(o.busBuffer())
	defer bus.Close()

	loop := &execloop.Loop{
		Client:     entry.Client,
		Tools:      toolReg,
		MaxRetries: o.MaxRetries,
		Bus:        bus,
		RunID:      working.RunID,
		SpanID:     uuid.NewString(),
		TraceID:    working.TraceID,
		Tags:       extrasTags(working),
	}

	start := time.Now()
	inner := loop.Stream(ctx, working)
	relay := streamrelay.New(sink, bus)
	runErr := relay.Run(ctx, inner)
	o.recordMetrics(entry.Provider, entry.Model, start, 0, runErr != nil)
	return runErr
}

// runGuards applies every guard in guards at stage against msgs, blocking on
// the first validation failure. Output-stage guards are not evaluated on a
// transcript the input stage already rejected (the caller never reaches
// here in that case).
func (o *Orchestrator) runGuards(ctx context.Context, guards []guardrail.Definition, stage guardrail.Stage, msgs []gwmodel.Message, params map[string]any) error {
	for _, g := range guards {
		outcome, err := guardrail.Run(ctx, g, stage, msgs, params)
		if err != nil {
			return fmt.Errorf("gwserver: guard %q: %w", g.ID, err)
		}
		if !outcome.Proceed {
			reason := ""
			if outcome.Failure != nil {
				reason = outcome.Failure.Text
			}
			return gwerr.NewGuardFailed(string(stage), "Guard validation failed", []gwerr.GuardFailure{{GuardID: g.ID, Reason: reason}})
		}
	}
	return nil
}

// resolveGuards looks up req.Extras.Guards against o.Guards, silently
// skipping names with no matching definition.
func (o *Orchestrator) resolveGuards(req *gwmodel.Request) []guardrail.Definition {
	if req.Extras == nil || len(req.Extras.Guards) == 0 {
		return nil
	}
	out := make([]guardrail.Definition, 0, len(req.Extras.Guards))
	for _, name := range req.Extras.Guards {
		if def, ok := o.Guards[name]; ok {
			out = append(out, def)
		}
	}
	return out
}

func (o *Orchestrator) recordMetrics(provider, model string, start time.Time, costUSD float64, errored bool) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.Record(provider, model, Sample{
		At:        time.Now(),
		LatencyMS: float64(time.Since(start).Milliseconds()),
		CostUSD:   costUSD,
		Errored:   errored,
	})
}

// writeStreamError writes a one-shot SSE error frame and the terminating
// [DONE] marker, then returns err unchanged so the caller (the HTTP layer)
// can still log/classify it. Matches streamrelay.Relay's own error-frame
// format so clients see the same shape regardless of where the failure
// occurred.
func (o *Orchestrator) writeStreamError(ctx context.Context, sink streamrelay.Sink, err error) error {
	frame := []byte(fmt.Sprintf(`data: {"error":%q}`+"\n\n", err.Error()))
	_ = sink.WriteFrame(ctx, frame)
	_ = sink.WriteFrame(ctx, []byte("data: [DONE]\n\n"))
	return err
}

// requestParams extracts the guard-template variables a request supplies,
// per the guard precedence chain where per-request parameters have the
// highest precedence.
func requestParams(req *gwmodel.Request) map[string]any {
	if req.Extras == nil {
		return nil
	}
	return req.Extras.User
}

// extrasTags derives the string-valued subset of a request's user metadata
// to pass through to tool dispatch (e.g. as MCP call metadata), matching
// toolhub.Registry.Dispatch's tags parameter.
func extrasTags(req *gwmodel.Request) map[string]string {
	if req.Extras == nil || len(req.Extras.User) == 0 {
		return nil
	}
	out := make(map[string]string, len(req.Extras.User))
	for k, v := range req.Extras.User {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// cloneRequest shallow-copies req so clearing Router or appending to
// Messages never mutates the caller's request.
func cloneRequest(req *gwmodel.Request) *gwmodel.Request {
	clone := *req
	clone.Messages = append([]gwmodel.Message(nil), req.Messages...)
	return &clone
}
