// Package mcpclient implements the protocol collaborator: a thin wrapper
// over the mcp-go client that exposes exactly the session operations the
// workflow needs. It connects either in-process to the bundled demo server
// or over streamable HTTP to an external MCP endpoint.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/glassline-ai/mcpscope/internal/model"
)

// Client wraps one MCP client session. It implements workflow.ProtocolClient.
// Safe for concurrent CallTool invocations after Connect has returned.
type Client struct {
	inner      *mcpclient.Client
	clientName string
	version    string
	logger     *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewInProcess creates a client wired directly to an in-process MCP server.
// No transport, no subprocess; the session still performs the full
// initialize handshake.
func NewInProcess(srv *mcpserver.MCPServer, version string, logger *slog.Logger) (*Client, error) {
	inner, err := mcpclient.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: in-process client: %w", err)
	}
	return &Client{inner: inner, clientName: "mcpscope", version: version, logger: logger}, nil
}

// NewStreamableHTTP creates a client for an external MCP endpoint over the
// streamable HTTP transport.
func NewStreamableHTTP(endpoint, version string, logger *slog.Logger) (*Client, error) {
	inner, err := mcpclient.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: streamable http client: %w", err)
	}
	return &Client{inner: inner, clientName: "mcpscope", version: version, logger: logger}, nil
}

// Connect starts the transport and performs the initialize handshake.
// Calling Connect on an already-connected client re-verifies the session
// with a ping instead of re-initializing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		if err := c.inner.Ping(ctx); err != nil {
			c.connected = false
			return fmt.Errorf("mcpclient: session lost: %w", err)
		}
		return nil
	}

	if err := c.inner.Start(ctx); err != nil {
		return fmt.Errorf("mcpclient: start transport: %w", err)
	}

	initResult, err := c.inner.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: c.clientName, Version: c.version},
		},
	})
	if err != nil {
		return fmt.Errorf("mcpclient: initialize: %w", err)
	}

	c.logger.Info("mcpclient: connected",
		"server", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version,
		"protocol_version", initResult.ProtocolVersion)
	c.connected = true
	return nil
}

// IsConnected reports whether the initialize handshake has completed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ListTools retrieves the tool catalog and converts it into the shared shape.
func (c *Client) ListTools(ctx context.Context) ([]model.Tool, error) {
	result, err := c.inner.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: list tools: %w", err)
	}

	tools := make([]model.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := schemaToMap(t.InputSchema)
		if err != nil {
			c.logger.Warn("mcpclient: skipping tool with bad schema", "tool", t.Name, "error", err)
			continue
		}
		tools = append(tools, model.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes one tool. Tool-level failures (IsError on the wire) are
// returned as error results, not Go errors; a non-nil error means the
// request itself could not be completed.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*model.ToolResult, error) {
	result, err := c.inner.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: call %s: %w", name, err)
	}

	return &model.ToolResult{
		ToolName: name,
		Content:  textContent(result),
		IsError:  result.IsError,
	}, nil
}

// Close tears down the session.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.inner.Close()
}

// textContent concatenates the text blocks of a tool result. Non-text
// content is ignored; the demo server and every tool this workflow targets
// return text.
func textContent(result *mcplib.CallToolResult) string {
	var out string
	for _, content := range result.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// schemaToMap converts the typed input schema into the free-form map both
// the event stream and the inference layer consume.
func schemaToMap(schema mcplib.ToolInputSchema) (map[string]any, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
