// Package mcp provides a [tools.Invoker] backed by a Model Context Protocol
// server, for tool services that speak MCP instead of the plain HTTP
// contract. It connects over the streamable-HTTP transport using the
// official MCP Go SDK.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlorbank/voxgate/internal/tools"
	"github.com/parlorbank/voxgate/pkg/types"
)

// Compile-time assertion that Client satisfies the [tools.Invoker] interface.
var _ tools.Invoker = (*Client)(nil)

// DefaultTimeout bounds a single tool execution unless overridden.
const DefaultTimeout = 10 * time.Second

// Option configures a [Client].
type Option func(*Client)

// WithTimeout overrides the per-call timeout. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client executes tools on a single MCP server session.
type Client struct {
	session *mcpsdk.ClientSession
	timeout time.Duration

	mu    sync.RWMutex
	known map[string]types.ToolDefinition // catalogue from the last listing
}

// Connect dials the MCP server at url and imports its tool catalogue. The
// returned Client owns the session; call [Client.Close] when done.
func Connect(ctx context.Context, url string, opts ...Option) (*Client, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "voxgate", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: url}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp tools: connect to %q: %w", url, err)
	}

	c := newFromSession(session, opts...)
	if _, err := c.List(ctx); err != nil {
		_ = session.Close()
		return nil, err
	}
	return c, nil
}

// newFromSession wires a Client over an established session. Split from
// [Connect] so tests can inject in-memory transports.
func newFromSession(session *mcpsdk.ClientSession, opts ...Option) *Client {
	c := &Client{
		session: session,
		timeout: DefaultTimeout,
		known:   make(map[string]types.ToolDefinition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute implements [tools.Invoker].
func (c *Client) Execute(ctx context.Context, toolName string, input map[string]any) tools.Result {
	c.mu.RLock()
	_, known := c.known[toolName]
	c.mu.RUnlock()
	if !known {
		return tools.Failure(tools.KindNotFound, "tool %q not offered by the MCP server", toolName)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: input})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tools.Failure(tools.KindTimeout, "tool %q timed out after %s", toolName, c.timeout)
		}
		return tools.Failure(tools.KindUpstream, "mcp call for %q failed: %v", toolName, err)
	}

	text := textContent(res)
	if res.IsError {
		return tools.Failure(tools.KindUpstream, "%s", text)
	}

	// Tool output is text on the wire. JSON payloads are decoded so
	// remapping and truncation see structure; everything else stays a
	// string.
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return tools.OK(text)
	}
	return tools.OK(value)
}

// List implements [tools.Invoker]. Listing also refreshes the catalogue that
// [Client.Execute] consults for unknown-tool checks.
func (c *Client) List(ctx context.Context) ([]types.ToolDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var defs []types.ToolDefinition
	known := make(map[string]types.ToolDefinition)
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp tools: list tools: %w", err)
		}
		def := types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		}
		defs = append(defs, def)
		known[def.Name] = def
	}

	c.mu.Lock()
	c.known = known
	c.mu.Unlock()
	return defs, nil
}

// Close shuts down the server session. The Client must not be used after.
func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("mcp tools: close session: %w", err)
	}
	return nil
}

// textContent concatenates all text blocks of a call result.
func textContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// schemaToMap converts whatever schema representation the SDK hands back
// into the map form used by [types.ToolDefinition].
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
