package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlorbank/voxgate/internal/tools"
)

var objectSchema = json.RawMessage(`{"type":"object"}`)

// startClient spins an in-memory MCP server with the given tools and returns
// a Client connected to it with the catalogue already imported.
func startClient(t *testing.T, handlers map[string]mcpsdk.ToolHandler, opts ...Option) *Client {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test-tools", Version: "test"}, nil)
	for name, handler := range handlers {
		server.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: "test tool: " + name,
			InputSchema: objectSchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	srvCtx, srvCancel := context.WithCancel(context.Background())
	t.Cleanup(srvCancel)
	go func() { _ = server.Run(srvCtx, serverTransport) }()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "voxgate-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}

	c := newFromSession(session, opts...)
	t.Cleanup(func() { _ = c.Close() })
	if _, err := c.List(context.Background()); err != nil {
		t.Fatalf("List: unexpected error: %v", err)
	}
	return c
}

func textResult(text string) mcpsdk.ToolHandler {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		}, nil
	}
}

func TestExecuteDecodesJSONPayload(t *testing.T) {
	c := startClient(t, map[string]mcpsdk.ToolHandler{
		"check_balance": textResult(`{"balance":1200.5,"currency":"GBP"}`),
	})

	res := c.Execute(context.Background(), "check_balance", map[string]any{"accountId": "12345678"})
	if !res.Success {
		t.Fatalf("Execute: unexpected failure: %s %s", res.Kind, res.Message)
	}
	value, ok := res.Value.(map[string]any)
	if !ok || value["currency"] != "GBP" {
		t.Fatalf("Execute: expected decoded object, got %v", res.Value)
	}
}

func TestExecuteKeepsPlainText(t *testing.T) {
	c := startClient(t, map[string]mcpsdk.ToolHandler{
		"list_pods": textResult("pod-1\npod-2"),
	})

	res := c.Execute(context.Background(), "list_pods", nil)
	if !res.Success {
		t.Fatalf("Execute: unexpected failure: %s", res.Message)
	}
	if res.Value != "pod-1\npod-2" {
		t.Fatalf("Execute: expected raw text value, got %v", res.Value)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	c := startClient(t, map[string]mcpsdk.ToolHandler{
		"check_balance": textResult("{}"),
	})

	res := c.Execute(context.Background(), "no_such_tool", nil)
	if res.Kind != tools.KindNotFound {
		t.Fatalf("Execute: expected kind %q, got %q", tools.KindNotFound, res.Kind)
	}
}

func TestExecuteToolError(t *testing.T) {
	c := startClient(t, map[string]mcpsdk.ToolHandler{
		"bad_tool": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "invalid account"}},
				IsError: true,
			}, nil
		},
	})

	res := c.Execute(context.Background(), "bad_tool", nil)
	if res.Success {
		t.Fatal("Execute: expected failure for IsError result")
	}
	if res.Kind != tools.KindUpstream {
		t.Fatalf("Execute: expected kind %q, got %q", tools.KindUpstream, res.Kind)
	}
	if res.Message != "invalid account" {
		t.Fatalf("Execute: expected tool error text, got %q", res.Message)
	}
}

func TestExecuteTimeout(t *testing.T) {
	c := startClient(t, map[string]mcpsdk.ToolHandler{
		"slow_tool": func(ctx context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &mcpsdk.CallToolResult{}, nil
			}
		},
	}, WithTimeout(20*time.Millisecond))

	res := c.Execute(context.Background(), "slow_tool", nil)
	if res.Kind != tools.KindTimeout {
		t.Fatalf("Execute: expected kind %q, got %q (%s)", tools.KindTimeout, res.Kind, res.Message)
	}
}

func TestListCatalogue(t *testing.T) {
	c := startClient(t, map[string]mcpsdk.ToolHandler{
		"check_balance":      textResult("{}"),
		"check_transactions": textResult("[]"),
	})

	defs, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: unexpected error: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("List: expected 2 tools, got %d", len(defs))
	}
	names := map[string]bool{}
	for _, def := range defs {
		names[def.Name] = true
		if def.InputSchema == nil {
			t.Errorf("List: tool %q has no input schema", def.Name)
		}
	}
	if !names["check_balance"] || !names["check_transactions"] {
		t.Fatalf("List: missing expected tools, got %v", names)
	}
}
