// Package gateway is the client-facing fabric of voxgate.
//
// It terminates browser WebSockets at /sonic, admits each connection into a
// session, dials the specialist agent that should serve it, and proxies
// traffic both ways. On top of plain proxying it owns the behaviours that
// make multi-agent sessions coherent: intent and credential extraction from
// final user text, interception of agent handoff requests with live socket
// migration, the shared memory protocol, the post-handoff auto-trigger, and
// the disconnect grace that lets a dropped browser reconnect to its running
// agent. A REST surface exposes agents, session memory and the persona
// catalog.
//
// Concurrency follows one goroutine per WebSocket direction: the /sonic
// handler goroutine reads the client, one goroutine per agent link reads the
// agent, and a per-session mutex guards the link swap those two race over.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlorbank/voxgate/internal/config"
	"github.com/parlorbank/voxgate/internal/observe"
	"github.com/parlorbank/voxgate/internal/persona"
	"github.com/parlorbank/voxgate/internal/registry"
	"github.com/parlorbank/voxgate/internal/sessions"
)

const (
	// writeTimeout bounds one WebSocket write in either direction.
	writeTimeout = 5 * time.Second

	// replayBufferCap bounds the JSON frames kept for a detached client.
	// Audio is not replayed; a reconnecting browser has no use for seconds
	// of stale speech.
	replayBufferCap = 256

	// pendingBufferCap bounds the client frames held while an agent swap is
	// in flight.
	pendingBufferCap = 256
)

// Server is the gateway process core: WebSocket fabric plus REST API.
type Server struct {
	cfg      config.GatewayConfig
	sessions *sessions.Service
	registry registry.Store
	catalog  *persona.Catalog
	metrics  *observe.Metrics
	log      *slog.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics injects the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a gateway server over the session service, the agent registry
// and the persona catalog.
func New(cfg config.GatewayConfig, svc *sessions.Service, reg registry.Store, catalog *persona.Catalog, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: svc,
		registry: reg,
		catalog:  catalog,
		log:      slog.Default(),
		live:     make(map[string]*liveSession),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the gateway's HTTP handler: the /sonic WebSocket endpoint,
// the REST API and the Prometheus metrics endpoint.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.Use(s.httpMetrics)

	e.GET("/sonic", s.sonicHandler)
	e.GET("/health", s.healthHandler)

	prom := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		prom.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	e.GET("/api/agents", s.listAgentsHandler)
	e.POST("/api/agents", s.registerAgentHandler)
	e.GET("/api/agents/:agentId", s.getAgentHandler)
	e.POST("/api/agents/:agentId/status", s.agentStatusHandler)

	e.GET("/api/sessions/:sessionId/memory", s.getMemoryHandler)
	e.POST("/api/sessions/:sessionId/memory", s.patchMemoryHandler)
	e.POST("/api/sessions/:sessionId/transfer", s.transferHandler)

	e.GET("/api/personas", s.listPersonasHandler)
	e.POST("/api/personas", s.createPersonaHandler)
	e.GET("/api/personas/:id", s.getPersonaHandler)
	e.PUT("/api/personas/:id", s.updatePersonaHandler)
	e.DELETE("/api/personas/:id", s.deletePersonaHandler)

	return e
}

// httpMetrics records one latency sample per REST request. The WebSocket
// endpoint is excluded; its duration is the session length.
func (s *Server) httpMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		path := c.Request().URL.Path
		if path == "/sonic" {
			return next(c)
		}
		start := time.Now()
		err := next(c)
		s.metrics.RecordHTTPRequest(c.Request().Context(), c.Request().Method, path, time.Since(start).Seconds())
		return err
	}
}

// sonicHandler admits one browser connection. A sessionId query parameter
// re-attaches to a session still inside its disconnect grace; anything else
// starts fresh. Blocks for the life of the connection.
func (s *Server) sonicHandler(c *echo.Context) error {
	accept := &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	conn, err := websocket.Accept(c.Response(), c.Request(), accept)
	if err != nil {
		return err
	}

	if id := c.QueryParam("sessionId"); id != "" {
		if ls := s.lookup(id); ls != nil && ls.reattach(conn) {
			s.log.Info("client re-attached within grace", "session", id)
			ls.serveClient(c.Request().Context(), conn)
			return nil
		}
	}

	ls := s.admit(conn)
	ls.serveClient(c.Request().Context(), conn)
	return nil
}

// admit registers a brand-new session and greets the client. The agent is
// not dialled yet: the first client frame decides the workflow (audio first
// is fine, it selects the default).
func (s *Server) admit(conn *websocket.Conn) *liveSession {
	ls := newLiveSession(s, uuid.NewString(), conn)

	s.mu.Lock()
	s.live[ls.id] = ls
	s.mu.Unlock()

	s.log.Info("client connected", "session", ls.id)
	return ls
}

func (s *Server) lookup(sessionID string) *liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID]
}

func (s *Server) drop(sessionID string) {
	s.mu.Lock()
	delete(s.live, sessionID)
	s.mu.Unlock()
}

// Close tears down every live session. Used at shutdown.
func (s *Server) Close() error {
	s.mu.Lock()
	all := make([]*liveSession, 0, len(s.live))
	for _, ls := range s.live {
		all = append(all, ls)
	}
	s.mu.Unlock()

	for _, ls := range all {
		ls.end("gateway shutting down")
	}
	return nil
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
