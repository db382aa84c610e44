package mcptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InMemoryHandler implements an MCP server's tools/list and tools/call
// in-process, for locally-registered tool servers and tests that should not
// pay the cost of a real network transport.
type InMemoryHandler interface {
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, error)
}

var (
	inMemoryMu      sync.RWMutex
	inMemoryServers = map[string]InMemoryHandler{}
)

// RegisterInMemory makes h reachable via an MCPServerDef whose Transport is
// gwmodel.MCPTransportInMemory and whose URL equals name.
func RegisterInMemory(name string, h InMemoryHandler) {
	inMemoryMu.Lock()
	defer inMemoryMu.Unlock()
	inMemoryServers[name] = h
}

// UnregisterInMemory removes a previously registered handler.
func UnregisterInMemory(name string) {
	inMemoryMu.Lock()
	defer inMemoryMu.Unlock()
	delete(inMemoryServers, name)
}

func lookupInMemory(name string) (transport, error) {
	inMemoryMu.RLock()
	h, ok := inMemoryServers[name]
	inMemoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcptransport: no in-memory server registered as %q", name)
	}
	return &inMemoryTransport{h: h}, nil
}

// inMemoryTransport adapts an InMemoryHandler to the transport interface so
// it can share the generic Client implementation with the network
// transports.
type inMemoryTransport struct {
	h InMemoryHandler
}

func (t *inMemoryTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	switch method {
	case "tools/list":
		tools, err := t.h.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(toolsListResult{Tools: tools})
	case "tools/call":
		m, ok := params.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mcptransport: malformed tools/call params")
		}
		name, _ := m["name"].(string)
		var args json.RawMessage
		switch a := m["arguments"].(type) {
		case json.RawMessage:
			args = a
		case nil:
		default:
			args, _ = json.Marshal(a)
		}
		text, err := t.h.CallTool(ctx, name, args)
		if err != nil {
			return json.Marshal(toolsCallResult{
				Content: []ContentBlock{{Type: "text", Text: err.Error()}},
				IsError: true,
			})
		}
		return json.Marshal(toolsCallResult{Content: []ContentBlock{{Type: "text", Text: text}}})
	default:
		return nil, fmt.Errorf("mcptransport: unsupported method %q", method)
	}
}

func (t *inMemoryTransport) close() error { return nil }
