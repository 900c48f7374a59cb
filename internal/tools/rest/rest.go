// Package rest provides a [tools.Invoker] that speaks the tool service's
// HTTP contract: POST /tools/execute for calls and GET /tools/list for the
// catalogue, with an optional bearer token.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parlorbank/voxgate/internal/tools"
	"github.com/parlorbank/voxgate/pkg/types"
)

// Compile-time assertion that Client satisfies the [tools.Invoker] interface.
var _ tools.Invoker = (*Client)(nil)

const (
	executePath = "/tools/execute"
	listPath    = "/tools/list"
)

// DefaultTimeout bounds a single tool execution unless overridden.
const DefaultTimeout = 10 * time.Second

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithTimeout overrides the per-call timeout. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client calls the external tool service over HTTP.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

// New returns a Client for the tool service at baseURL. token is sent as a
// bearer token on every request; pass "" for unauthenticated services.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: DefaultTimeout,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type executeRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type executeResponse struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	ErrorKind string          `json:"errorKind"`
	Message   string          `json:"message"`
}

// Execute implements [tools.Invoker].
func (c *Client) Execute(ctx context.Context, toolName string, input map[string]any) tools.Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if input == nil {
		input = map[string]any{}
	}
	body, err := json.Marshal(executeRequest{Tool: toolName, Input: input})
	if err != nil {
		return tools.Failure(tools.KindMalformed, "encode request for %q: %v", toolName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+executePath, bytes.NewReader(body))
	if err != nil {
		return tools.Failure(tools.KindMalformed, "build request for %q: %v", toolName, err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tools.Failure(tools.KindTimeout, "tool %q timed out after %s", toolName, c.timeout)
		}
		return tools.Failure(tools.KindUpstream, "tool service unreachable: %v", err)
	}
	defer resp.Body.Close()

	if kind, failed := kindForStatus(resp.StatusCode); failed {
		return tools.Failure(kind, "tool service returned %d: %s", resp.StatusCode, snippet(resp.Body))
	}

	var wire executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return tools.Failure(tools.KindMalformed, "decode response for %q: %v", toolName, err)
	}
	if !wire.Success {
		kind := tools.Kind(wire.ErrorKind)
		if kind == "" {
			kind = tools.KindUpstream
		}
		return tools.Result{Kind: kind, Message: wire.Message}
	}

	var value any
	if len(wire.Result) > 0 {
		if err := json.Unmarshal(wire.Result, &value); err != nil {
			return tools.Failure(tools.KindMalformed, "decode result for %q: %v", toolName, err)
		}
	}
	return tools.OK(value)
}

// List implements [tools.Invoker].
func (c *Client) List(ctx context.Context) ([]types.ToolDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+listPath, nil)
	if err != nil {
		return nil, fmt.Errorf("tool service: build list request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool service: list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool service: list tools returned %d: %s", resp.StatusCode, snippet(resp.Body))
	}

	var wire struct {
		Tools []types.ToolDefinition `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("tool service: decode tool list: %w", err)
	}
	return wire.Tools, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// kindForStatus maps transport-level HTTP failures onto the error taxonomy.
// Contract-level failures arrive as 200s with success=false and are
// classified by the service itself.
func kindForStatus(code int) (tools.Kind, bool) {
	switch {
	case code < 300:
		return "", false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return tools.KindUnauthorized, true
	case code == http.StatusNotFound:
		return tools.KindNotFound, true
	case code >= 500:
		return tools.KindUpstream, true
	default:
		return tools.KindMalformed, true
	}
}

func snippet(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return bytes.TrimSpace(b)
}
