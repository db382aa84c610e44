// Package mcptransport implements MCP (Model Context Protocol) client
// transports used by the tool dispatcher (C2) to discover and invoke tools
// hosted on remote MCP servers. It speaks JSON-RPC 2.0 over four transport
// kinds named by gwmodel.MCPServerDef: SSE, WebSocket, plain HTTP, and an
// in-memory transport for tests and locally-registered servers.
package mcptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/langdb/gateway/gwmodel"
)

// JSON-RPC canonical error codes per spec.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// RPCError represents a JSON-RPC error returned by the MCP server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ToolSpec is one tool advertised by tools/list.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolSpec `json:"tools"`
}

// ContentBlock is one element of a tools/call result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolsCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Client is a connected MCP client able to discover and invoke tools. Every
// exit path (success, error, timeout) must call Close exactly once to
// release the underlying transport.
type Client interface {
	// ListTools issues tools/list and returns the server's advertised tools.
	ListTools(ctx context.Context) ([]ToolSpec, error)

	// CallTool issues tools/call with name and JSON-encoded arguments, plus a
	// per-call metadata bag merged into the request params, and returns the
	// first text content block of the response.
	CallTool(ctx context.Context, name string, arguments json.RawMessage, meta map[string]string) (string, error)

	// Close releases the transport.
	Close() error
}

// transport is the minimal wire-level operation every Client variant needs:
// issue one JSON-RPC request/response round trip.
type transport interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	close() error
}

type client struct {
	t     transport
	nextID int64
}

func newClient(t transport) *client {
	return &client{t: t}
}

func (c *client) nextRequestID() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

func (c *client) ListTools(ctx context.Context) ([]ToolSpec, error) {
	raw, err := c.t.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("mcptransport: decode tools/list: %w", err)
	}
	return res.Tools, nil
}

func (c *client) CallTool(ctx context.Context, name string, arguments json.RawMessage, meta map[string]string) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": arguments,
	}
	if len(meta) > 0 {
		params["_meta"] = meta
	}
	raw, err := c.t.call(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	var res toolsCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("mcptransport: decode tools/call: %w", err)
	}
	for _, block := range res.Content {
		if block.Type == "text" {
			if res.IsError {
				return block.Text, fmt.Errorf("mcptransport: tool %q returned an error result: %s", name, block.Text)
			}
			return block.Text, nil
		}
	}
	return "", nil
}

func (c *client) Close() error {
	return c.t.close()
}

// callMeta builds the per-call metadata bag:
// env vars from the MCP definition when present, else the request's tags.
func callMeta(def gwmodel.MCPServerDef, tags map[string]string) map[string]string {
	if len(def.Env) > 0 {
		return def.Env
	}
	return tags
}

// Dial opens a transport-appropriate Client for def.
func Dial(ctx context.Context, def gwmodel.MCPServerDef) (Client, error) {
	switch def.Transport {
	case gwmodel.MCPTransportSSE:
		t, err := newHTTPStreamTransport(ctx, def, true)
		if err != nil {
			return nil, err
		}
		return newClient(t), nil
	case gwmodel.MCPTransportHTTP:
		t, err := newHTTPStreamTransport(ctx, def, false)
		if err != nil {
			return nil, err
		}
		return newClient(t), nil
	case gwmodel.MCPTransportWS:
		t, err := newWSTransport(ctx, def)
		if err != nil {
			return nil, err
		}
		return newClient(t), nil
	case gwmodel.MCPTransportInMemory:
		t, err := lookupInMemory(def.URL)
		if err != nil {
			return nil, err
		}
		return newClient(t), nil
	default:
		return nil, fmt.Errorf("mcptransport: unsupported transport %q", def.Transport)
	}
}
