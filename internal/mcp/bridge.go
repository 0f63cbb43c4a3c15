package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawlite/internal/tools"
)

// bridgeTool adapts one remote MCP tool to the local tool interface.
type bridgeTool struct {
	server     string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	name       string
	timeoutSec int
	connected  *atomic.Bool
}

func newBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *bridgeTool {
	name := tool.Name
	if prefix != "" {
		name = prefix + name
	} else {
		name = server + "_" + name
	}
	return &bridgeTool{
		server:     server,
		tool:       tool,
		client:     client,
		name:       name,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (t *bridgeTool) Name() string { return t.name }

func (t *bridgeTool) Description() string {
	if t.tool.Description != "" {
		return t.tool.Description
	}
	return fmt.Sprintf("Tool %s from MCP server %s", t.tool.Name, t.server)
}

func (t *bridgeTool) Parameters() map[string]any {
	params := map[string]any{"type": "object"}
	if len(t.tool.InputSchema.Properties) > 0 {
		params["properties"] = t.tool.InputSchema.Properties
	} else {
		params["properties"] = map[string]any{}
	}
	if len(t.tool.InputSchema.Required) > 0 {
		params["required"] = t.tool.InputSchema.Required
	}
	return params
}

func (t *bridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", t.server))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(t.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call %s/%s: %v", t.server, t.tool.Name, err)).WithError(err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", v.MIMEType))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
