package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
)

type echoTool struct{ name string }

func (e echoTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{Name: e.name, ToolSource: models.ToolSourceInternal}
}

func (e echoTool) Invoke(_ context.Context, args map[string]any) (string, error) {
	v, _ := args["text"].(string)
	return v, nil
}

type fakeMCP struct {
	result *mcp.CallToolResult
	got    mcp.CallToolRequest
}

func (f *fakeMCP) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.got = req
	return f.result, nil
}

func TestToolRegistryDefinitionsAndCall(t *testing.T) {
	reg := NewToolRegistry(logger.Nop(), config.ToolsConfig{CallsPerMinute: 10})
	reg.Register(echoTool{name: "b"})
	reg.Register(echoTool{name: "a"})
	reg.Register(echoTool{name: "a"})

	all := reg.Definitions(nil)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)

	some := reg.Definitions([]string{"b", "missing"})
	require.Len(t, some, 1)
	assert.Equal(t, "b", some[0].Name)

	out, err := reg.Call(context.Background(), "user", models.ToolCall{ToolName: "a", Args: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = reg.Call(context.Background(), "user", models.ToolCall{ToolName: "zzz"})
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestToolRateLimiterPerKey(t *testing.T) {
	limiter := newToolRateLimiter(2, time.Hour)
	assert.True(t, limiter.Allow("u1"))
	assert.True(t, limiter.Allow("u1"))
	assert.False(t, limiter.Allow("u1"))
	assert.True(t, limiter.Allow("u2"))
}

func TestMCPToolsRegisterAndInvoke(t *testing.T) {
	reg := NewToolRegistry(logger.Nop(), config.ToolsConfig{})
	fake := &fakeMCP{result: &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("42")}}}
	reg.registerMCPTools("calc", fake, []mcp.Tool{
		mcp.NewTool("add", mcp.WithDescription("Add numbers"), mcp.WithString("expr", mcp.Required())),
	})

	defs := reg.Definitions(nil)
	require.Len(t, defs, 1)
	assert.Equal(t, models.ToolSourceMCP, defs[0].ToolSource)
	require.NotNil(t, defs[0].MCPServerID)
	assert.Equal(t, "calc", *defs[0].MCPServerID)
	assert.Equal(t, []any{"expr"}, defs[0].Parameters["required"])

	out, err := reg.Call(context.Background(), "u", models.ToolCall{ToolName: "add", Args: map[string]any{"expr": "40+2"}})
	require.NoError(t, err)
	assert.Equal(t, "42", out)
	assert.Equal(t, "add", fake.got.Params.Name)

	fake.result = &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("bad expr")}, IsError: true}
	_, err = reg.Call(context.Background(), "u", models.ToolCall{ToolName: "add"})
	assert.EqualError(t, err, "bad expr")
}

func TestToolInfoConvertsNestedSchema(t *testing.T) {
	info := ToolInfo(models.ToolDefinition{
		Name:        "lookup",
		Description: "Look things up",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"q":    map[string]any{"type": "string"},
				"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"q"},
		},
	})
	assert.Equal(t, "lookup", info.Name)
	assert.NotNil(t, info.ParamsOneOf)

	bare := ToolInfo(models.ToolDefinition{Name: "noop"})
	assert.Nil(t, bare.ParamsOneOf)
}
