package toolhub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/langdb/gateway/gwmodel"
	"github.com/langdb/gateway/mcptransport"
)

type fakeServer struct{}

func (fakeServer) ListTools(ctx context.Context) ([]mcptransport.ToolSpec, error) {
	return []mcptransport.ToolSpec{{Name: "get_time", Description: "current time"}}, nil
}

func (fakeServer) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	return "12:00", nil
}

func TestBuild_DeclaredLocalAndStopAtCall(t *testing.T) {
	declared := []gwmodel.ToolDescriptor{
		{Name: "add", StopAtCall: false},
		{Name: "escalate", StopAtCall: true},
	}
	b := &Builder{LocalTools: map[string]LocalFunc{
		"add": func(ctx context.Context, args json.RawMessage) (string, error) {
			return "3", nil
		},
	}}

	reg, err := b.Build(context.Background(), declared, nil)
	require.NoError(t, err)
	require.True(t, reg.Has("add"))
	require.False(t, reg.StopAtCall("add"))
	require.True(t, reg.StopAtCall("escalate"))

	result := reg.Dispatch(context.Background(), gwmodel.ToolCall{Name: "add", Arguments: `{}`}, nil)
	require.Equal(t, "3", result)
}

func TestBuild_UnknownToolDispatch(t *testing.T) {
	reg, err := (&Builder{}).Build(context.Background(), nil, nil)
	require.NoError(t, err)
	result := reg.Dispatch(context.Background(), gwmodel.ToolCall{Name: "ghost"}, nil)
	require.Contains(t, result, "unknown tool")
}

func TestBuild_MCPDiscovery(t *testing.T) {
	mcptransport.RegisterInMemory("clock", fakeServer{})
	defer mcptransport.UnregisterInMemory("clock")

	servers := []gwmodel.MCPServerDef{
		{Name: "clock", Transport: gwmodel.MCPTransportInMemory, URL: "clock"},
	}
	reg, err := (&Builder{}).Build(context.Background(), nil, servers)
	require.NoError(t, err)
	require.True(t, reg.Has("get_time"))

	result := reg.Dispatch(context.Background(), gwmodel.ToolCall{Name: "get_time", Arguments: `{}`}, nil)
	require.Equal(t, "12:00", result)
}

func TestBuild_MCPDiscoveryFailureYieldsEmptySet(t *testing.T) {
	servers := []gwmodel.MCPServerDef{
		{Name: "unreachable", Transport: gwmodel.MCPTransportInMemory, URL: "does-not-exist"},
	}
	reg, err := (&Builder{}).Build(context.Background(), nil, servers)
	require.NoError(t, err)
	require.Empty(t, reg.Descriptors())
}

func TestDispatchAll_PreservesCallOrder(t *testing.T) {
	b := &Builder{LocalTools: map[string]LocalFunc{
		"echo": func(ctx context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}}
	reg, err := b.Build(context.Background(), []gwmodel.ToolDescriptor{{Name: "echo"}}, nil)
	require.NoError(t, err)

	calls := []gwmodel.ToolCall{
		{ID: "1", Name: "echo", Arguments: `"a"`},
		{ID: "2", Name: "echo", Arguments: `"b"`},
		{ID: "3", Name: "echo", Arguments: `"c"`},
	}
	msgs := reg.DispatchAll(context.Background(), calls, nil)
	require.Len(t, msgs, 3)
	require.Equal(t, "1", msgs[0].ToolCallID)
	require.Equal(t, "2", msgs[1].ToolCallID)
	require.Equal(t, "3", msgs[2].ToolCallID)
	require.Equal(t, `"a"`, msgs[0].Content)
	require.Equal(t, `"b"`, msgs[1].Content)
	require.Equal(t, `"c"`, msgs[2].Content)
}
