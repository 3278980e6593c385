package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"olmoplayground/internal/config"
	"olmoplayground/internal/models"
)

// mcpCaller is the subset of the MCP client used by mcpTool.
type mcpCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

type mcpTool struct {
	def    models.ToolDefinition
	client mcpCaller
}

func (t *mcpTool) Definition() models.ToolDefinition { return t.def }

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args
	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", t.def.Name, err)
	}
	text := mcpText(res.Content)
	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

func mcpText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ConnectMCP opens a streamable HTTP session to server and registers its
// tools.
func (r *ToolRegistry) ConnectMCP(ctx context.Context, server config.MCPServerConfig) error {
	c, err := client.NewStreamableHttpClient(server.URL, transport.WithHTTPHeaders(server.Headers))
	if err != nil {
		return fmt.Errorf("mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp start: %w", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "olmo-playground", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp initialize: %w", err)
	}
	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}

	r.registerMCPTools(server.ID, c, listed.Tools)
	r.mu.Lock()
	r.closers = append(r.closers, c.Close)
	r.mu.Unlock()
	r.log.Info("mcp server connected", "server", server.ID, "tools", len(listed.Tools))
	return nil
}

func (r *ToolRegistry) registerMCPTools(serverID string, c mcpCaller, tools []mcp.Tool) {
	for _, t := range tools {
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		if t.InputSchema.Type != "" {
			params["type"] = t.InputSchema.Type
		}
		if len(t.InputSchema.Properties) > 0 {
			params["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			required := make([]any, 0, len(t.InputSchema.Required))
			for _, name := range t.InputSchema.Required {
				required = append(required, name)
			}
			params["required"] = required
		}
		id := serverID
		r.Register(&mcpTool{
			def: models.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
				ToolSource:  models.ToolSourceMCP,
				MCPServerID: &id,
			},
			client: c,
		})
	}
}
