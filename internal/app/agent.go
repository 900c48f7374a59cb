package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/parlorbank/voxgate/internal/config"
	"github.com/parlorbank/voxgate/internal/decision"
	"github.com/parlorbank/voxgate/internal/health"
	"github.com/parlorbank/voxgate/internal/persona"
	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/internal/registry"
	"github.com/parlorbank/voxgate/internal/runtime"
	"github.com/parlorbank/voxgate/internal/tools"
	toolmcp "github.com/parlorbank/voxgate/internal/tools/mcp"
	toolrest "github.com/parlorbank/voxgate/internal/tools/rest"
	"github.com/parlorbank/voxgate/pkg/provider/llm"
	"github.com/parlorbank/voxgate/pkg/provider/llm/anyllm"
	llmbedrock "github.com/parlorbank/voxgate/pkg/provider/llm/bedrock"
	llmmock "github.com/parlorbank/voxgate/pkg/provider/llm/mock"
	llmopenai "github.com/parlorbank/voxgate/pkg/provider/llm/openai"
	"github.com/parlorbank/voxgate/pkg/provider/s2s"
	"github.com/parlorbank/voxgate/pkg/provider/s2s/nova"
)

// initReadTimeout bounds the wait for the gateway's session_init as the
// first frame on a new /session connection.
const initReadTimeout = 10 * time.Second

// Agent is the voxagent process: one persona served over a WebSocket
// endpoint the gateway dials, kept registered with the gateway by
// heartbeats.
type Agent struct {
	cfg *config.Config
	log *slog.Logger

	bundle  *persona.Bundle
	tools   tools.Invoker
	decider *decision.Evaluator
	voice   *voiceFactory
	beat    *registry.HeartbeatClient

	http *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// NewAgent connects every agent subsystem from config. The persona must
// resolve and validate; a broken artifact set is fatal.
func NewAgent(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Agent, error) {
	a := &Agent{cfg: cfg, log: log}

	// ── 1. Persona ───────────────────────────────────────────────────────
	bundle, err := persona.Find(cfg.Agent.ID, cfg.Agent.PersonaDirs...)
	if err != nil {
		return nil, fmt.Errorf("app: load persona: %w", err)
	}
	a.bundle = bundle
	log.Info("persona loaded",
		"persona", bundle.Persona.ID,
		"workflows", bundle.Persona.Workflows,
		"tools", len(bundle.Persona.AllowedTools))

	// ── 2. Tool client ───────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. Decision reasoner ─────────────────────────────────────────────
	if err := a.initReasoner(ctx); err != nil {
		return nil, fmt.Errorf("app: init reasoner: %w", err)
	}

	// ── 4. Voice model ───────────────────────────────────────────────────
	vf, err := newVoiceFactory(ctx, cfg.Voice)
	if err != nil {
		return nil, fmt.Errorf("app: init voice model: %w", err)
	}
	a.voice = vf

	// ── 5. Gateway registration ──────────────────────────────────────────
	a.beat = registry.NewHeartbeatClient(cfg.Agent.GatewayURL,
		registry.WithInterval(cfg.Registry.HeartbeatInterval()),
		registry.WithLogger(log),
	)

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.http = &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initTools builds the tool invoker chain: transport client, then the
// per-tool field remapper when renames are configured.
func (a *Agent) initTools(ctx context.Context) error {
	var invoker tools.Invoker
	switch a.cfg.Tools.Backend {
	case config.ToolMCP:
		client, err := toolmcp.Connect(ctx, a.cfg.Tools.MCPURL, toolmcp.WithTimeout(a.cfg.Tools.Timeout()))
		if err != nil {
			return fmt.Errorf("connect mcp tool service: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		invoker = client
	default:
		invoker = toolrest.New(a.cfg.Tools.BaseURL, a.cfg.Tools.AuthToken,
			toolrest.WithTimeout(a.cfg.Tools.Timeout()))
	}

	if len(a.cfg.Tools.Remap) > 0 {
		invoker = tools.NewRemapper(invoker, a.cfg.Tools.Remap)
	}
	a.tools = invoker
	return nil
}

// initReasoner builds the decision-node evaluator over the configured LLM.
func (a *Agent) initReasoner(ctx context.Context) error {
	var (
		provider llm.Provider
		err      error
	)
	rc := a.cfg.Reasoner
	switch rc.Backend {
	case config.ReasonerBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if rc.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(rc.Region))
		}
		awsCfg, lerr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if lerr != nil {
			return fmt.Errorf("load aws config: %w", lerr)
		}
		provider, err = llmbedrock.New(bedrockruntime.NewFromConfig(awsCfg), rc.Model)

	case config.ReasonerAnyLLM:
		name, model, found := strings.Cut(rc.Model, "/")
		if !found {
			return fmt.Errorf("anyllm model %q must use the provider/model form", rc.Model)
		}
		var opts []anyllmlib.Option
		if rc.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(rc.APIKey))
		}
		if rc.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(rc.BaseURL))
		}
		provider, err = anyllm.New(name, model, opts...)

	case config.ReasonerOpenAI:
		var opts []llmopenai.Option
		if rc.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(rc.BaseURL))
		}
		opts = append(opts, llmopenai.WithTimeout(rc.Timeout()))
		provider, err = llmopenai.New(rc.APIKey, rc.Model, opts...)

	case config.ReasonerMock:
		provider = &llmmock.Provider{
			CompleteResponse: &llm.Response{Content: "ANSWER: 1"},
		}

	default:
		return fmt.Errorf("unknown reasoner backend %q", rc.Backend)
	}
	if err != nil {
		return fmt.Errorf("build %s reasoner: %w", rc.Backend, err)
	}

	a.decider = decision.NewEvaluator(provider,
		decision.WithTimeout(rc.Timeout()),
		decision.WithLogger(a.log),
	)
	return nil
}

// handler returns the agent's HTTP surface: the /session WebSocket the
// gateway dials plus the liveness and readiness probes.
func (a *Agent) handler() *echo.Echo {
	probes := health.New(health.Checker{
		Name: "gateway",
		Check: func(ctx context.Context) error {
			return a.beat.Heartbeat(ctx, a.cfg.Agent.ID)
		},
	})

	e := echo.New()
	e.GET("/session", a.sessionHandler)
	e.GET("/healthz", func(c *echo.Context) error {
		probes.Healthz(c.Response(), c.Request())
		return nil
	})
	e.GET("/readyz", func(c *echo.Context) error {
		probes.Readyz(c.Response(), c.Request())
		return nil
	})
	return e
}

// Run serves the WebSocket endpoint and keeps the agent registered until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		a.log.Info("agent listening",
			"addr", a.cfg.Agent.ListenAddr,
			"advertise", a.cfg.Agent.AdvertiseURL,
			"mode", a.cfg.Agent.Mode)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: agent http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := a.http.Shutdown(sctx); err != nil {
			a.log.Warn("http shutdown", "error", err)
		}
		return ctx.Err()
	})
	eg.Go(func() error {
		return a.registerAndBeat(ctx)
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerAndBeat registers with the gateway, retrying until it answers,
// then heartbeats for the life of the process.
func (a *Agent) registerAndBeat(ctx context.Context) error {
	info := registry.AgentInfo{
		AgentID:      a.cfg.Agent.ID,
		URL:          a.cfg.Agent.AdvertiseURL,
		Status:       registry.StatusHealthy,
		Capabilities: a.bundle.Capabilities(),
	}

	interval := a.cfg.Registry.HeartbeatInterval()
	for {
		err := a.beat.Register(ctx, info)
		if err == nil {
			a.log.Info("registered with gateway",
				"gateway", a.cfg.Agent.GatewayURL, "capabilities", info.Capabilities)
			break
		}
		a.log.Warn("gateway registration failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return a.beat.Run(ctx, a.cfg.Agent.ID)
}

// Shutdown tears down all subsystems in order, honouring the context
// deadline.
func (a *Agent) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("agent shutting down", "closers", len(a.closers))
		err = runClosers(ctx, a.log, a.closers)
	})
	return err
}

// ── session serving ──────────────────────────────────────────────────────────

// sessionHandler accepts one gateway connection and serves a conversation on
// it. Blocks for the life of the connection.
func (a *Agent) sessionHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	a.serveSession(c.Request().Context(), conn)
	return nil
}

// serveSession runs one conversation: session_init handshake, runtime
// construction, then a reader goroutine feeding the session actor until
// either side ends the conversation.
func (a *Agent) serveSession(ctx context.Context, conn *websocket.Conn) {
	init, err := a.readInit(ctx, conn)
	if err != nil {
		a.log.Warn("session rejected", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "session_init must be the first frame")
		return
	}
	log := a.log.With("session", init.SessionID)

	sink := &wsSink{conn: conn}
	_ = sink.SendJSON(protocol.Connected{
		Type:      protocol.TypeConnected,
		SessionID: init.SessionID,
		AgentID:   a.cfg.Agent.ID,
	})

	sess, err := runtime.New(runtime.Config{
		AgentID: a.cfg.Agent.ID,
		Bundle:  a.bundle,
		Mode:    a.cfg.Agent.Mode,
		Voice:   a.voice.session(),
		Reconnect: func(context.Context) (s2s.Session, error) {
			return a.voice.session(), nil
		},
		Tools:              a.tools,
		Decider:            a.decider,
		Sink:               sink,
		HandoffTargets:     a.cfg.Agent.HandoffTargets,
		CommitmentPatterns: a.cfg.Agent.CommitmentPatterns,
		ToolTimeout:        a.cfg.Tools.Timeout(),
		HistoryLimit:       a.cfg.Store.HistoryLimit,
		Logger:             a.log,
	}, *init)
	if err != nil {
		log.Error("session construction failed", "error", err)
		_ = sink.SendJSON(protocol.ErrorMessage{
			Type: protocol.TypeError, Kind: "SessionInitFailed", Message: err.Error(),
		})
		conn.Close(websocket.StatusInternalError, "session init failed")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.readGateway(runCtx, conn, sess, cancel)

	if err := sess.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("session ended with error", "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// readInit waits for the handshake frame.
func (a *Agent) readInit(ctx context.Context, conn *websocket.Conn) (*protocol.SessionInit, error) {
	rctx, cancel := context.WithTimeout(ctx, initReadTimeout)
	defer cancel()

	typ, data, err := conn.Read(rctx)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("handshake frame is not text")
	}
	frame, err := protocol.Parse(data)
	if err != nil {
		return nil, err
	}
	init, ok := frame.Msg.(*protocol.SessionInit)
	if !ok {
		return nil, fmt.Errorf("first frame is %q, not session_init", frame.Type)
	}
	return init, nil
}

// readGateway pumps gateway frames into the session actor. Credential
// rotations are handled here: they rebuild the voice factory's AWS client
// and never enter the conversation.
func (a *Agent) readGateway(ctx context.Context, conn *websocket.Conn, sess *runtime.Session, cancel context.CancelFunc) {
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			sess.HandleAudio(data)
			continue
		}

		frame, err := protocol.Parse(data)
		if err != nil {
			a.log.Warn("dropping malformed gateway frame", "error", err)
			continue
		}
		if creds, ok := frame.Msg.(*protocol.UpdateCredentials); ok {
			if err := a.voice.rotate(ctx, creds); err != nil {
				a.log.Warn("credential rotation failed", "error", err)
			} else {
				a.log.Info("voice credentials rotated, next stream uses them")
			}
			continue
		}
		if err := sess.HandleFrame(frame); err != nil {
			return
		}
	}
}

// wsSink adapts one WebSocket connection to the runtime's outbound
// interface. Writes are serialized; the handshake and the session goroutine
// never overlap in practice, but serialization keeps that a non-fact.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) SendJSON(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.write(websocket.MessageText, data)
}

func (s *wsSink) SendAudio(pcm []byte) error {
	return s.write(websocket.MessageBinary, pcm)
}

func (s *wsSink) write(typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, typ, data)
}

// ── voice factory ────────────────────────────────────────────────────────────

// voiceFactory builds one nova session per conversation over a shared
// Bedrock client, and rebuilds that client when the gateway forwards a
// credential rotation. Sessions already streaming keep their old client;
// the rotation takes effect on the next stream.
type voiceFactory struct {
	cfg config.VoiceConfig

	mu     sync.Mutex
	client *nova.Client
}

func newVoiceFactory(ctx context.Context, cfg config.VoiceConfig) (*voiceFactory, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	f := &voiceFactory{cfg: cfg}
	client, err := f.build(bedrockruntime.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	f.client = client
	return f, nil
}

func (f *voiceFactory) build(api nova.BidirectionalInvoker) (*nova.Client, error) {
	opts := []nova.Option{
		nova.WithDebounceWindow(f.cfg.Debounce()),
		nova.WithTTFBTimeout(f.cfg.TTFBTimeout()),
	}
	if len(f.cfg.FillerPhrases) > 0 {
		opts = append(opts, nova.WithFillerPhrases(f.cfg.FillerPhrases...))
	}
	return nova.New(nova.NewSDKStreams(api), f.cfg.ModelID, opts...)
}

// session returns a fresh voice session on the current client.
func (f *voiceFactory) session() s2s.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client.NewSession()
}

// rotate swaps the Bedrock client for one using the given static
// credentials. The secret values are never logged.
func (f *voiceFactory) rotate(ctx context.Context, creds *protocol.UpdateCredentials) error {
	region := creds.Region
	if region == "" {
		region = f.cfg.Region
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
	)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client, err := f.build(bedrockruntime.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.client = client
	f.mu.Unlock()
	return nil
}
