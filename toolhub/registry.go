// Package toolhub implements the per-request tool registry and dispatcher
// (C2): resolving a tool name to a local function, a declared stop-at-call
// tool, or a remote MCP endpoint, invoking it, and returning a text result.
package toolhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/mcptransport"
)

// LocalFunc is an implementation-supplied in-process tool. It runs
// synchronously and returns a JSON-shaped text result.
type LocalFunc func(ctx context.Context, arguments json.RawMessage) (string, error)

// handleKind distinguishes the three dispatch paths a registry entry may take.
type handleKind int

const (
	kindLocal handleKind = iota
	kindMCP
	kindStopAtCall
)

// handle is one resolved registry entry.
type handle struct {
	kind handleKind
	desc gwmodel.ToolDescriptor

	local LocalFunc

	mcpDef gwmodel.MCPServerDef
}

// Registry is an immutable-after-construction, per-request mapping from
// tool name to dispatch handle. It is safe for concurrent read access once
// built; Build is the only mutator.
type Registry struct {
	handles map[string]handle
	timeout time.Duration
}

// Descriptors returns the ToolDescriptor for every tool in the registry, in
// an arbitrary but stable-within-a-process order, for attaching to the
// provider-native request.
func (r *Registry) Descriptors() []gwmodel.ToolDescriptor {
	out := make([]gwmodel.ToolDescriptor, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.desc)
	}
	return out
}

// StopAtCall reports whether name resolves to a declared stop-at-call tool.
func (r *Registry) StopAtCall(name string) bool {
	h, ok := r.handles[name]
	return ok && h.kind == kindStopAtCall
}

// Has reports whether name is a known tool in this registry.
func (r *Registry) Has(name string) bool {
	_, ok := r.handles[name]
	return ok
}

// Dispatch resolves name and invokes it, returning the text result. Dispatch
// failures are never propagated to the caller as an error that aborts the
// conversation: on failure the error message itself becomes the returned
// text, so the tool loop can feed it back to the model as the tool's
// result.
func (r *Registry) Dispatch(ctx context.Context, call gwmodel.ToolCall, tags map[string]string) string {
	h, ok := r.handles[call.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}

	switch h.kind {
	case kindStopAtCall:
		// The execution loop never reaches here for a stop_at_call tool (it
		// surfaces the call instead of dispatching it), but dispatch still
		// degrades gracefully if called directly.
		return "error: tool is configured to stop at call, not be executed"
	case kindLocal:
		result, err := h.local(ctx, json.RawMessage(call.Arguments))
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return result
	case kindMCP:
		return r.dispatchMCP(ctx, h.mcpDef, call, tags)
	default:
		return "error: unrecognized tool handle"
	}
}

func (r *Registry) dispatchMCP(ctx context.Context, def gwmodel.MCPServerDef, call gwmodel.ToolCall, tags map[string]string) string {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = mcptransport.DialTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cl, err := mcptransport.Dial(callCtx, def)
	if err != nil {
		return fmt.Sprintf("error: mcp dial %q: %v", def.Name, err)
	}
	defer func() { _ = cl.Close() }()

	meta := def.Env
	if len(meta) == 0 {
		meta = tags
	}

	result, err := cl.CallTool(callCtx, mcpLocalName(call.Name, def), json.RawMessage(call.Arguments), meta)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

// mcpLocalName strips a server-name prefix the registry may have added to
// disambiguate tools across multiple MCP servers, e.g. "weather.get_forecast"
// dispatched against the "weather" server calls "get_forecast".
func mcpLocalName(name string, def gwmodel.MCPServerDef) string {
	prefix := def.Name + "."
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}

// DispatchAll runs call on every entry of calls concurrently (fan-out), then
// reassembles the results in the original call order (join) before
// returning, per the execution loop's parallel-tool-dispatch requirement.
func (r *Registry) DispatchAll(ctx context.Context, calls []gwmodel.ToolCall, tags map[string]string) []gwmodel.Message {
	results := make([]string, len(calls))

	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		go func(i int, call gwmodel.ToolCall) {
			defer wg.Done()
			results[i] = r.Dispatch(ctx, call, tags)
		}(i, call)
	}
	wg.Wait()

	out := make([]gwmodel.Message, len(calls))
	for i, call := range calls {
		out[i] = gwmodel.Message{
			Role:       gwmodel.RoleTool,
			Content:    results[i],
			ToolCallID: call.ID,
			Name:       call.Name,
		}
	}
	return out
}

// Builder assembles a Registry for one request: declared tools, plus tools
// discovered from every configured MCP server.
type Builder struct {
	// LocalTools maps tool name to an implementation-supplied handler for
	// tools the gateway itself executes in-process.
	LocalTools map[string]LocalFunc

	// MCPTimeout bounds each MCP tools/call round trip; defaults to
	// mcptransport.DialTimeout.
	MCPTimeout time.Duration

	// Logger receives per-server discovery failures; a nil Logger discards them.
	Logger *slog.Logger
}

// Build resolves declared tool descriptors plus every MCP server's
// discovered tools into a single Registry. MCP discovery (tools/list) is
// performed eagerly and in parallel across all configured servers; a
// per-server failure logs and yields an empty tool set for that server
// without failing the request.
func (b *Builder) Build(ctx context.Context, declared []gwmodel.ToolDescriptor, servers []gwmodel.MCPServerDef) (*Registry, error) {
	reg := &Registry{handles: make(map[string]handle, len(declared)), timeout: b.MCPTimeout}

	for _, desc := range declared {
		h := handle{desc: desc}
		if desc.StopAtCall {
			h.kind = kindStopAtCall
		} else if fn, ok := b.LocalTools[desc.Name]; ok {
			h.kind = kindLocal
			h.local = fn
		} else {
			// A declared tool with neither stop_at_call nor a registered
			// local implementation has nowhere to dispatch; treat it as
			// stop-at-call so the loop surfaces it rather than silently
			// failing every call.
			h.kind = kindStopAtCall
		}
		reg.handles[desc.Name] = h
	}

	if len(servers) == 0 {
		return reg, nil
	}

	type discovery struct {
		def   gwmodel.MCPServerDef
		tools []mcpDiscoveredTool
	}
	discoveries := make([]discovery, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, def := range servers {
		i, def := i, def
		g.Go(func() error {
			tools, err := discoverServer(gctx, def, b.MCPTimeout)
			if err != nil {
				if b.Logger != nil {
					b.Logger.Warn("mcp tool discovery failed", "server", def.Name, "error", err)
				}
				return nil
			}
			discoveries[i] = discovery{def: def, tools: tools}
			return nil
		})
	}
	// errgroup's Wait error is always nil here since discoverServer errors
	// are swallowed per-server above; the group is only used for fan-out.
	_ = g.Wait()

	for _, d := range discoveries {
		for _, t := range d.tools {
			name := t.name
			if _, exists := reg.handles[name]; exists {
				name = d.def.Name + "." + t.name
			}
			reg.handles[name] = handle{
				desc: gwmodel.ToolDescriptor{
					Name:        name,
					Description: t.description,
					Parameters:  t.schema,
				},
				kind:   kindMCP,
				mcpDef: d.def,
			}
		}
	}

	return reg, nil
}

type mcpDiscoveredTool struct {
	name        string
	description string
	schema      json.RawMessage
}

// discoverServer opens def, lists its tools, applies the selected filter and
// description overrides, and closes the transport before returning.
func discoverServer(ctx context.Context, def gwmodel.MCPServerDef, timeout time.Duration) ([]mcpDiscoveredTool, error) {
	if timeout <= 0 {
		timeout = mcptransport.DialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cl, err := mcptransport.Dial(dctx, def)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cl.Close() }()

	specs, err := cl.ListTools(dctx)
	if err != nil {
		return nil, err
	}

	allowed := func(string) bool { return true }
	overrides := map[string]string{}
	if def.Selected != nil {
		if !def.Selected.All {
			names := make(map[string]struct{}, len(def.Selected.Names))
			for _, n := range def.Selected.Names {
				names[n] = struct{}{}
			}
			allowed = func(n string) bool { _, ok := names[n]; return ok }
		}
		overrides = def.Selected.DescriptionOverrides
	}

	out := make([]mcpDiscoveredTool, 0, len(specs))
	for _, spec := range specs {
		if !allowed(spec.Name) {
			continue
		}
		desc := spec.Description
		if override, ok := overrides[spec.Name]; ok {
			desc = override
		}
		out = append(out, mcpDiscoveredTool{name: spec.Name, description: desc, schema: spec.InputSchema})
	}
	return out, nil
}
