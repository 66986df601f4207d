package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTool(name string) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Description: name + " test tool",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}
}

func textHandler(text string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(text), nil
	}
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(testTool("alpha"), textHandler("a")))
	require.NoError(t, reg.Register(testTool("beta"), textHandler("b")))

	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, Info{Name: "alpha", Description: "alpha test tool"}, infos[0])
	assert.Equal(t, Info{Name: "beta", Description: "beta test tool"}, infos[1])
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testTool("alpha"), textHandler("a")))

	err := reg.Register(testTool("alpha"), textHandler("other"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryValidatesRegistration(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(mcp.Tool{}, textHandler("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")

	err = reg.Register(testTool("alpha"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler")

	assert.Zero(t, reg.Count())
}

func TestRegistryDescribe(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testTool("alpha"), textHandler("a")))

	info, ok := reg.Describe("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha test tool", info.Description)

	_, ok = reg.Describe("missing")
	assert.False(t, ok)
}

func TestRegistryHandlerCountsCalls(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testTool("ok"), textHandler("fine")))
	require.NoError(t, reg.Register(testTool("toolerr"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("tool level failure"), nil
	}))
	require.NoError(t, reg.Register(testTool("handlererr"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("handler blew up")
	}))

	call := func(name string) {
		handler, ok := reg.Handler(name)
		require.True(t, ok)
		_, _ = handler(context.Background(), mcp.CallToolRequest{})
	}

	call("ok")
	call("ok")
	call("toolerr")
	call("handlererr")

	stats := reg.Stats()
	require.Len(t, stats, 3)

	byName := make(map[string]Stats, len(stats))
	for _, s := range stats {
		byName[s.Name] = s
	}
	assert.Equal(t, int64(2), byName["ok"].Calls)
	assert.Zero(t, byName["ok"].Errors)
	assert.Equal(t, int64(1), byName["toolerr"].Calls)
	assert.Equal(t, int64(1), byName["toolerr"].Errors)
	assert.Equal(t, int64(1), byName["handlererr"].Calls)
	assert.Equal(t, int64(1), byName["handlererr"].Errors)
	assert.GreaterOrEqual(t, byName["ok"].AvgDurationMs, float64(0))
}

func TestRegistryHandlerUnknown(t *testing.T) {
	reg := NewRegistry()

	_, ok := reg.Handler("missing")
	assert.False(t, ok)
}

// TestRegistryApplyExposesTools drives a real MCP engine over HandleMessage
// to check that applied tools are listed and callable, and that calls made
// through the engine land in the registry's counters.
func TestRegistryApplyExposesTools(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testTool("greet"), textHandler("hello")))

	engine := server.NewMCPServer("tether-test", "0.0.1", server.WithToolCapabilities(true))
	reg.Apply(engine)

	engine.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"0.0.1"}}}`))

	listRaw, err := json.Marshal(engine.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)))
	require.NoError(t, err)

	var listResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(listRaw, &listResp))
	require.Len(t, listResp.Result.Tools, 1)
	assert.Equal(t, "greet", listResp.Result.Tools[0].Name)

	callRaw, err := json.Marshal(engine.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"greet"}}`)))
	require.NoError(t, err)

	var callResp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(callRaw, &callResp))
	assert.False(t, callResp.Result.IsError)
	require.Len(t, callResp.Result.Content, 1)
	assert.Equal(t, "hello", callResp.Result.Content[0].Text)

	stats := reg.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Calls)
	assert.Zero(t, stats[0].Errors)
}
