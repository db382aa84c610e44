// Package gwserver implements the orchestrator (C9) and its HTTP surface:
// the top-level entry point that resolves a request's model/router
// directive, runs the guardrail/execution-loop/cost-accounting pipeline,
// and exposes it over an OpenAI-compatible net/http mux.
//
// Server composes the orchestrator with onion-style unary/stream middleware:
// the first-registered middleware runs outermost, and streaming handlers
// write through a streamrelay.Sink rather than returning a response.
package gwserver

import (
	"context"
	"errors"

	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/streamrelay"
)

// ErrOrchestratorRequired is returned by NewServer when no orchestrator was
// configured via WithOrchestrator.
var ErrOrchestratorRequired = errors.New("gwserver: orchestrator is required")

type (
	// UnaryHandler serves one non-streaming chat completion request.
	UnaryHandler func(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error)

	// StreamHandler serves one streaming chat completion request, writing
	// SSE frames to sink as the underlying execution loop produces them.
	StreamHandler func(ctx context.Context, req *gwmodel.Request, sink streamrelay.Sink) error

	// UnaryMiddleware wraps a UnaryHandler with cross-cutting behavior
	// (rate limiting, logging, metrics).
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler the same way.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// Option configures a Server at construction time.
	Option func(*serverConfig)

	serverConfig struct {
		orchestrator *Orchestrator
		unaryMW      []UnaryMiddleware
		streamMW     []StreamMiddleware
	}

	// Server is the fully-composed request entry point: an Orchestrator
	// wrapped by zero or more unary/stream middlewares, folded outside-in
	// so the first-registered middleware runs outermost.
	Server struct {
		orchestrator *Orchestrator
		unary        UnaryHandler
		stream       StreamHandler
	}
)

// WithOrchestrator sets the Server's orchestrator. Required.
func WithOrchestrator(o *Orchestrator) Option {
	return func(c *serverConfig) { c.orchestrator = o }
}

// WithUnary appends unary middleware, applied in the given order with the
// first argument running outermost.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *serverConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends stream middleware, applied in the given order with the
// first argument running outermost.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *serverConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// NewServer builds a Server from opts. The orchestrator's Handle/HandleStream
// methods are the innermost handlers; middleware registered via WithUnary/
// WithStream wraps them from the inside out.
func NewServer(opts ...Option) (*Server, error) {
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.orchestrator == nil {
		return nil, ErrOrchestratorRequired
	}

	unary := UnaryHandler(cfg.orchestrator.Handle)
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}

	stream := StreamHandler(cfg.orchestrator.HandleStream)
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}

	return &Server{orchestrator: cfg.orchestrator, unary: unary, stream: stream}, nil
}

// Complete serves a non-streaming request through the full middleware chain.
func (s *Server) Complete(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
	return s.unary(ctx, req)
}

// Stream serves a streaming request through the full middleware chain.
func (s *Server) Stream(ctx context.Context, req *gwmodel.Request, sink streamrelay.Sink) error {
	return s.stream(ctx, req, sink)
}

// RateLimitUnary builds the outermost unary middleware enforcing l against
// req.Model's resolved provider, so admission is decided before any other
// concern runs.
func RateLimitUnary(l *RateLimiter, catalog *Catalog) UnaryMiddleware {
	return func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *gwmodel.Request) (*gwmodel.Response, error) {
			if err := waitForCapacity(ctx, l, catalog, req.Model); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}

// RateLimitStream is RateLimitUnary's stream-handler counterpart.
func RateLimitStream(l *RateLimiter, catalog *Catalog) StreamMiddleware {
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req *gwmodel.Request, sink streamrelay.Sink) error {
			if err := waitForCapacity(ctx, l, catalog, req.Model); err != nil {
				return err
			}
			return next(ctx, req, sink)
		}
	}
}

func waitForCapacity(ctx context.Context, l *RateLimiter, catalog *Catalog, modelID string) error {
	if l == nil {
		return nil
	}
	provider := modelID
	if entry, ok := catalog.Resolve(modelID); ok {
		provider = entry.Provider
	}
	return l.Allow(ctx, provider)
}
