package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultHeartbeatInterval is how often [HeartbeatClient.Run] reports
// liveness to the gateway.
const DefaultHeartbeatInterval = 10 * time.Second

// HeartbeatClient keeps one agent registered with the gateway over its REST
// API. Agents call [HeartbeatClient.Register] once at startup and then run
// [HeartbeatClient.Run] until shutdown.
type HeartbeatClient struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// HeartbeatOption configures a [HeartbeatClient].
type HeartbeatOption func(*HeartbeatClient)

// WithHTTPClient overrides the HTTP client used for gateway calls.
func WithHTTPClient(c *http.Client) HeartbeatOption {
	return func(h *HeartbeatClient) { h.client = c }
}

// WithInterval overrides the heartbeat period.
// Defaults to [DefaultHeartbeatInterval].
func WithInterval(d time.Duration) HeartbeatOption {
	return func(h *HeartbeatClient) { h.interval = d }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) HeartbeatOption {
	return func(h *HeartbeatClient) { h.logger = l }
}

// NewHeartbeatClient returns a client that talks to the gateway REST API at
// gatewayURL (e.g., "http://localhost:8080").
func NewHeartbeatClient(gatewayURL string, opts ...HeartbeatOption) *HeartbeatClient {
	h := &HeartbeatClient{
		baseURL:  gatewayURL,
		interval: DefaultHeartbeatInterval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register announces the agent to the gateway.
func (h *HeartbeatClient) Register(ctx context.Context, info AgentInfo) error {
	if err := h.post(ctx, h.baseURL+"/api/agents", info); err != nil {
		return fmt.Errorf("registry: register agent %q: %w", info.AgentID, err)
	}
	return nil
}

// Heartbeat reports the agent healthy to the gateway.
func (h *HeartbeatClient) Heartbeat(ctx context.Context, agentID string) error {
	body := map[string]string{"status": string(StatusHealthy)}
	if err := h.post(ctx, h.baseURL+"/api/agents/"+agentID+"/status", body); err != nil {
		return fmt.Errorf("registry: heartbeat agent %q: %w", agentID, err)
	}
	return nil
}

// Run sends one heartbeat immediately and then one per interval until ctx is
// cancelled. Individual failures are logged and retried on the next tick; the
// gateway marks the agent unhealthy on its own once heartbeats stop arriving.
func (h *HeartbeatClient) Run(ctx context.Context, agentID string) error {
	beat := func() {
		if err := h.Heartbeat(ctx, agentID); err != nil {
			h.logger.Warn("heartbeat failed", "agent_id", agentID, "error", err)
		}
	}
	beat()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
		}
	}
}

func (h *HeartbeatClient) post(ctx context.Context, url string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
