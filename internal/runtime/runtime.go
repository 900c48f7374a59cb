// Package runtime drives one live conversation between a caller and the
// voice model behind an agent.
//
// A [Session] is an actor: all conversation state is owned by the single
// goroutine inside [Session.Run], which multiplexes gateway traffic, voice
// model events, and the completions of background tool and decision work.
// The surrounding server only parses frames and hands them over; nothing in
// here needs a lock.
//
// Beyond plain forwarding, the runtime implements the behaviors that make a
// raw speech-to-speech stream usable as an agent: tool call deduplication
// and replay, handoff interception, the identity verification gate, workflow
// step tracking with LLM-arbitrated decision nodes, barge-in detection, and
// the nudge that stops the model from promising an action without performing
// it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/parlorbank/voxgate/internal/config"
	"github.com/parlorbank/voxgate/internal/decision"
	"github.com/parlorbank/voxgate/internal/observe"
	"github.com/parlorbank/voxgate/internal/persona"
	"github.com/parlorbank/voxgate/internal/prompt"
	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/internal/tools"
	"github.com/parlorbank/voxgate/internal/transcript"
	"github.com/parlorbank/voxgate/internal/workflow"
	"github.com/parlorbank/voxgate/pkg/audio"
	"github.com/parlorbank/voxgate/pkg/memory"
	"github.com/parlorbank/voxgate/pkg/provider/s2s"
	"github.com/parlorbank/voxgate/pkg/types"
)

const (
	// DefaultQueueCap bounds the session inbox. A full queue drops audio and
	// applies backpressure to text frames.
	DefaultQueueCap = 256

	// DefaultHistoryLimit caps the rolling conversation history kept for
	// decision evaluation and handoff context.
	DefaultHistoryLimit = 50

	// DefaultInterruptThreshold is the normalized RMS energy above which
	// inbound audio counts as the caller talking over the assistant.
	DefaultInterruptThreshold = 0.02

	// DefaultToolTimeout bounds one tool execution.
	DefaultToolTimeout = 10 * time.Second

	// reconnectWindow bounds the single attempt to re-establish a failed
	// voice stream.
	reconnectWindow = 3 * time.Second

	listTimeout = 5 * time.Second
	stopTimeout = 5 * time.Second
)

// IdentityTool is the verification tool served by the IDV agent. A persona
// allowed to call it runs the post-verification handoff flow and is never
// given transfer tools of its own.
const IdentityTool = "perform_idv_check"

// ErrSessionClosed is returned by [Session.HandleFrame] once Run has exited.
var ErrSessionClosed = errors.New("runtime: session closed")

// Sink receives everything the session emits toward the gateway: protocol
// messages as text frames and synthesised speech as binary frames. Only the
// session goroutine calls it.
type Sink interface {
	SendJSON(msg any) error
	SendAudio(pcm []byte) error
}

// Config assembles the collaborators and tunables for one session.
type Config struct {
	// AgentID identifies the serving agent in acks and logs.
	AgentID string

	// Bundle is the persona this session speaks as.
	Bundle *persona.Bundle

	// Mode selects which content paths are live. Defaults to
	// [config.ModeHybrid].
	Mode config.RuntimeMode

	// Voice is the speech-to-speech stream. The session takes ownership and
	// stops it on exit.
	Voice s2s.Session

	// Reconnect, when set, builds a replacement voice stream after a
	// mid-session failure. At most one attempt is made per session.
	Reconnect func(ctx context.Context) (s2s.Session, error)

	// Tools executes the persona's tools.
	Tools tools.Invoker

	// Decider arbitrates decision nodes. When nil, decision nodes are
	// tracked but never evaluated.
	Decider *decision.Evaluator

	// Sink receives the session's outbound traffic.
	Sink Sink

	// HandoffTargets are the capabilities this agent may transfer to.
	HandoffTargets []string

	// CommitmentPatterns are extra regexes, beyond the built-ins, that mark
	// an assistant turn as promising an action. Malformed patterns are
	// logged and skipped.
	CommitmentPatterns []string

	ToolTimeout        time.Duration
	ResultCap          int
	InterruptThreshold float64
	HistoryLimit       int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session is one live conversation. Construct with [New], drive with
// [Session.Run], and feed gateway traffic through [Session.HandleFrame] and
// [Session.HandleAudio].
type Session struct {
	cfg     Config
	id      string
	traceID string
	log     *slog.Logger

	asm        *transcript.Assembler
	isIdentity bool
	commitRe   []*regexp.Regexp

	inbox        chan command
	toolDone     chan toolCompletion
	decisionDone chan decisionResult
	done         chan struct{}
	wg           sync.WaitGroup

	// Everything below is owned by the Run goroutine.

	voice       s2s.Session
	engine      *workflow.Engine
	mem         memory.SessionMemory
	sysPrompt   string
	voiceID     string
	modelTools  []types.ToolDefinition
	handoffDefs []types.ToolDefinition

	history      []types.Message
	calls        map[string]*inflight
	handoffFired bool
	idvFails     int
	usageIn      int
	usageOut     int

	// Assistant turn state, reset by endAssistantTurn.
	turnOpen      bool
	turnText      strings.Builder
	stepBuf       string
	toolCalled    bool
	interrupted   bool
	suppressAudio bool
	activeBlocks  int

	reconnected bool
}

type cmdKind int

const (
	cmdFrame cmdKind = iota
	cmdAudio
)

type command struct {
	kind  cmdKind
	frame protocol.Frame
	pcm   []byte
}

// New builds a session from the gateway's session_init. The voice stream is
// not touched until [Session.Run].
func New(cfg Config, init protocol.SessionInit) (*Session, error) {
	switch {
	case cfg.Bundle == nil:
		return nil, errors.New("runtime: persona bundle is required")
	case cfg.Voice == nil:
		return nil, errors.New("runtime: voice session is required")
	case cfg.Tools == nil:
		return nil, errors.New("runtime: tool invoker is required")
	case cfg.Sink == nil:
		return nil, errors.New("runtime: sink is required")
	}
	if init.SessionID == "" {
		return nil, errors.New("runtime: session id is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeHybrid
	}
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("runtime: unknown mode %q", cfg.Mode)
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.ResultCap <= 0 {
		cfg.ResultCap = tools.DefaultResultCap
	}
	if cfg.InterruptThreshold <= 0 {
		cfg.InterruptThreshold = DefaultInterruptThreshold
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:          cfg,
		id:           init.SessionID,
		traceID:      init.TraceID,
		log:          cfg.Logger.With("session", init.SessionID, "agent", cfg.AgentID),
		asm:          transcript.New(),
		voice:        cfg.Voice,
		mem:          init.Memory.Clone(),
		voiceID:      cfg.Bundle.Persona.VoiceID,
		calls:        map[string]*inflight{},
		inbox:        make(chan command, DefaultQueueCap),
		toolDone:     make(chan toolCompletion, 8),
		decisionDone: make(chan decisionResult, 4),
		done:         make(chan struct{}),
	}
	if s.mem == nil {
		s.mem = memory.SessionMemory{}
	}
	s.isIdentity = slices.Contains(cfg.Bundle.Persona.AllowedTools, IdentityTool)

	s.commitRe = slices.Clone(builtinCommitments)
	for _, p := range cfg.CommitmentPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			s.log.Warn("skipping malformed commitment pattern", "pattern", p, "error", err)
			continue
		}
		s.commitRe = append(s.commitRe, re)
	}

	s.bindWorkflow()
	return s, nil
}

// bindWorkflow picks the session's graph: the one named by stored graph
// state when this persona serves it, otherwise the persona's default. The
// stored position is restored only when it belongs to the bound graph.
func (s *Session) bindWorkflow() {
	b := s.cfg.Bundle
	var g *workflow.Graph
	gs, hasState := s.mem.GraphState()
	if hasState {
		g, _ = b.Graph(gs.WorkflowID)
	}
	if g == nil && len(b.Persona.Workflows) > 0 {
		g = b.DefaultGraph()
	}
	if g == nil {
		return
	}
	s.engine = workflow.NewEngine(g, workflow.WithLogger(s.log))
	if hasState && gs.WorkflowID == g.ID && gs.CurrentNodeID != "" {
		if err := s.engine.Restore(gs.CurrentNodeID, gs.Context); err != nil {
			s.log.Warn("stored workflow position not on graph, starting fresh", "error", err)
		}
	}
}

// HandleFrame queues one decoded gateway frame. It blocks while the inbox is
// full and fails once the session has closed.
func (s *Session) HandleFrame(f protocol.Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- command{kind: cmdFrame, frame: f}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// HandleAudio queues one caller audio chunk. Audio never blocks: past a full
// inbox the chunk is dropped and counted.
func (s *Session) HandleAudio(pcm []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.inbox <- command{kind: cmdAudio, pcm: pcm}:
	case <-s.done:
	default:
		s.cfg.Metrics.RecordQueueDrop(context.Background(), "audio")
	}
}

// Run configures and starts the voice stream, acknowledges the session, and
// processes events until ctx is cancelled, the gateway sends stop, or the
// voice stream dies beyond recovery. The voice session is always stopped
// before Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.cfg.Metrics.SessionStarted(ctx)
	defer func() {
		close(s.done)
		s.wg.Wait()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.voice.Stop(stopCtx); err != nil {
			s.log.Debug("voice session stop", "error", err)
		}
		s.cfg.Metrics.SessionEnded(context.Background())
		s.log.Info("session closed", "inputTokens", s.usageIn, "outputTokens", s.usageOut)
	}()

	if err := s.start(ctx); err != nil {
		s.sendError("VoiceStreamError", err.Error())
		return err
	}
	return s.loop(ctx)
}

// start assembles the toolset and system prompt, opens the voice stream, and
// acknowledges the session to the gateway.
func (s *Session) start(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, listTimeout)
	catalog, err := s.cfg.Tools.List(lctx)
	cancel()
	if err != nil {
		s.log.Warn("tool catalog unavailable, offering persona tool names only", "error", err)
		catalog = nil
	}
	s.buildToolset(catalog)
	s.recompose()

	if err := s.voice.Configure(s.sessionConfig()); err != nil {
		return fmt.Errorf("runtime: configure voice session: %w", err)
	}
	if err := s.voice.Start(ctx, s.id); err != nil {
		return fmt.Errorf("runtime: start voice session: %w", err)
	}

	state := protocol.S2SActive
	if s.cfg.Mode == config.ModeText {
		state = protocol.S2SInactive
	}
	s.send(protocol.SessionAck{
		Type:      protocol.TypeSessionAck,
		SessionID: s.id,
		AgentID:   s.cfg.AgentID,
		S2S:       state,
		Workflow:  s.workflowID(),
	})
	if s.traceID != "" {
		s.send(protocol.Metadata{Type: protocol.TypeMetadata, TraceID: s.traceID})
	}
	s.log.Info("session started",
		"mode", s.cfg.Mode, "workflow", s.workflowID(), "tools", len(s.modelTools))
	return nil
}

func (s *Session) loop(ctx context.Context) error {
	for {
		// Completions outrank new input so tool results reach the model
		// before more audio piles up behind them.
		select {
		case c := <-s.toolDone:
			s.onToolDone(ctx, c)
			continue
		case d := <-s.decisionDone:
			s.onDecision(ctx, d)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.toolDone:
			s.onToolDone(ctx, c)
		case d := <-s.decisionDone:
			s.onDecision(ctx, d)
		case cmd := <-s.inbox:
			if stop := s.onCommand(ctx, cmd); stop {
				return nil
			}
		case ev, ok := <-s.voice.Events():
			if !ok {
				revived, err := s.reviveVoice(ctx)
				if err != nil {
					return err
				}
				if !revived {
					return nil
				}
				continue
			}
			s.onVoiceEvent(ctx, ev)
		}
	}
}

// reviveVoice handles a closed event stream: a clean model-side close ends
// the session, a failure gets one reconnect attempt that restores the
// current prompt and toolset.
func (s *Session) reviveVoice(ctx context.Context) (revived bool, err error) {
	cause := s.voice.Err()
	if cause == nil {
		s.log.Info("voice stream closed by model")
		return false, nil
	}
	if s.cfg.Reconnect == nil || s.reconnected {
		s.sendError("VoiceStreamError", cause.Error())
		return false, fmt.Errorf("runtime: voice stream failed: %w", cause)
	}
	s.reconnected = true
	s.log.Warn("voice stream failed, attempting one reconnect", "error", cause)

	rctx, cancel := context.WithTimeout(ctx, reconnectWindow)
	defer cancel()
	next, rerr := s.cfg.Reconnect(rctx)
	if rerr == nil {
		if cerr := next.Configure(s.sessionConfig()); cerr != nil {
			rerr = cerr
		} else {
			rerr = next.Start(rctx, s.id)
		}
	}
	if rerr != nil {
		s.sendError("VoiceStreamError", cause.Error())
		return false, fmt.Errorf("runtime: voice stream reconnect: %w", errors.Join(cause, rerr))
	}
	s.voice = next
	s.log.Info("voice stream re-established")
	return true, nil
}

func (s *Session) onCommand(ctx context.Context, cmd command) (stop bool) {
	switch cmd.kind {
	case cmdAudio:
		s.onCallerAudio(ctx, cmd.pcm)
	case cmdFrame:
		return s.onFrame(cmd.frame)
	}
	return false
}

func (s *Session) onFrame(f protocol.Frame) (stop bool) {
	switch msg := f.Msg.(type) {
	case *protocol.TextInput:
		s.onUserText(msg.Text)
	case *protocol.MemoryUpdate:
		s.onMemoryUpdate(msg)
	case *protocol.SessionConfig:
		s.onSessionConfig(msg)
	case *protocol.ClearChat:
		s.resetConversation()
	case *protocol.HandoffFailed:
		s.handoffFired = false
		s.log.Warn("handoff rejected by gateway", "target", msg.Target, "reason", msg.Reason)
		inject := fmt.Sprintf("[SYSTEM] The transfer could not be completed (%s). Apologise briefly and keep helping the caller yourself.", msg.Reason)
		if err := s.voice.SendText(inject); err != nil {
			s.log.Warn("inject handoff failure", "error", err)
		}
	case *protocol.Stop:
		s.log.Info("stop requested by gateway")
		return true
	case *protocol.SessionInit:
		s.log.Warn("duplicate session_init ignored")
	default:
		s.log.Debug("unhandled frame", "type", f.Type)
	}
	return false
}

// onUserText feeds one typed caller message to the model. The text is echoed
// back as a final user transcript so every mode shares one rendering path.
func (s *Session) onUserText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.resetUserTurn()
	if msg, ok := s.asm.UserMessage(text); ok {
		s.send(msg)
	}
	s.history = append(s.history, types.Text(types.RoleUser, text))
	s.trimHistory()
	s.mem[memory.KeyLastUserMessage] = text
	if err := s.voice.SendText(text); err != nil {
		s.log.Warn("forward text to model", "error", err)
	}
}

// onCallerAudio forwards one caller chunk, first checking for barge-in: loud
// input while the assistant is mid-utterance mutes the rest of its turn.
func (s *Session) onCallerAudio(ctx context.Context, pcm []byte) {
	if s.cfg.Mode == config.ModeText {
		return
	}
	if s.activeBlocks > 0 && !s.interrupted && audio.Energy(pcm) >= s.cfg.InterruptThreshold {
		s.interrupted = true
		s.suppressAudio = true
		s.cfg.Metrics.RecordVoiceEvent(ctx, "barge_in")
		s.log.Debug("caller barge-in, muting assistant audio for the rest of the turn")
	}
	if err := s.voice.SendAudio(pcm); err != nil {
		s.log.Debug("forward audio to model", "error", err)
	}
}

// onMemoryUpdate applies the gateway's authoritative memory snapshot. When
// identity facts or the bound workflow change, the system prompt is
// recomposed and pushed to the model.
func (s *Session) onMemoryUpdate(msg *protocol.MemoryUpdate) {
	dirty := false
	if msg.Memory != nil {
		before := s.identityView()
		s.mem = msg.Memory.Clone()
		dirty = s.identityView() != before
	}
	if gs := msg.GraphState; gs != nil {
		if g, ok := s.cfg.Bundle.Graph(gs.WorkflowID); ok {
			if s.engine == nil || s.engine.Graph().ID != g.ID {
				s.engine = workflow.NewEngine(g, workflow.WithLogger(s.log))
				dirty = true
			}
			if gs.CurrentNodeID != "" {
				if err := s.engine.Restore(gs.CurrentNodeID, gs.Context); err != nil {
					s.log.Warn("restore workflow position", "error", err)
				}
			}
		} else {
			s.log.Warn("memory update names a workflow this persona does not serve",
				"workflow", gs.WorkflowID)
		}
	}
	if dirty {
		s.recompose()
		s.pushPrompt()
	}
}

func (s *Session) onSessionConfig(msg *protocol.SessionConfig) {
	if p := strings.TrimSpace(msg.Config.SystemPrompt); p != "" {
		s.sysPrompt = p
		s.pushPrompt()
	}
	if v := msg.Config.VoiceID; v != "" && v != s.voiceID {
		s.voiceID = v
		s.log.Info("voice change takes effect on the next stream", "voice", v)
	}
}

func (s *Session) resetConversation() {
	s.history = nil
	s.resetUserTurn()
	if s.engine != nil {
		s.engine.Reset()
	}
	s.log.Info("conversation state cleared")
}

// identityView is the comparable slice of memory that feeds the system
// prompt; a change means the model's standing context is stale.
type identityView struct {
	verified                            bool
	userName, account, sortCode, intent string
}

func (s *Session) identityView() identityView {
	return identityView{
		verified: s.mem.Verified(),
		userName: s.mem.UserName(),
		account:  s.mem.Account(),
		sortCode: s.mem.SortCode(),
		intent:   s.mem.UserIntent(),
	}
}

// buildToolset resolves the persona's allowed tools against the backend
// catalog and appends the handoff tools this agent may use. Catalog misses
// degrade to name-only definitions rather than dropping the tool.
func (s *Session) buildToolset(catalog []types.ToolDefinition) {
	byName := make(map[string]types.ToolDefinition, len(catalog))
	for _, d := range catalog {
		byName[d.Name] = d
	}

	var model []types.ToolDefinition
	for _, name := range s.cfg.Bundle.Persona.AllowedTools {
		if d, ok := byName[name]; ok {
			model = append(model, d)
			continue
		}
		model = append(model, types.ToolDefinition{
			Name:        name,
			InputSchema: map[string]any{"type": "object"},
		})
	}

	var handoff []types.ToolDefinition
	if s.isIdentity {
		handoff = []types.ToolDefinition{tools.ReturnToTriageTool()}
	} else {
		for _, target := range s.cfg.HandoffTargets {
			handoff = append(handoff, tools.TransferTool(target))
		}
		if !slices.Contains(s.cfg.Bundle.Capabilities(), "triage") {
			handoff = append(handoff, tools.ReturnToTriageTool())
		}
	}

	s.handoffDefs = handoff
	s.modelTools = append(model, handoff...)
}

func (s *Session) recompose() {
	var g *workflow.Graph
	if s.engine != nil {
		g = s.engine.Graph()
	}
	s.sysPrompt = prompt.Compose(s.mem, s.cfg.Bundle.Prompt, s.handoffDefs, g)
}

func (s *Session) pushPrompt() {
	if err := s.voice.UpdateSystemPrompt(s.sysPrompt); err != nil {
		s.log.Warn("update system prompt", "error", err)
	}
}

func (s *Session) sessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		SystemPrompt: s.sysPrompt,
		VoiceID:      s.voiceID,
		Tools:        s.modelTools,
		ToolChoice:   "auto",
	}
}

func (s *Session) graphState() *memory.GraphState {
	if s.engine == nil {
		return nil
	}
	return &memory.GraphState{
		WorkflowID:    s.engine.Graph().ID,
		CurrentNodeID: s.engine.Current().ID,
		Context:       s.engine.Context(),
	}
}

func (s *Session) workflowID() string {
	if s.engine == nil {
		return ""
	}
	return s.engine.Graph().ID
}

// resetUserTurn starts a fresh deduplication scope: completed tool calls may
// no longer be collapsed into, and a new handoff may fire.
func (s *Session) resetUserTurn() {
	s.calls = map[string]*inflight{}
	s.handoffFired = false
}

// trimHistory drops the oldest messages past the limit, advancing past any
// tool result that would otherwise lead the window without its call.
func (s *Session) trimHistory() {
	if len(s.history) <= s.cfg.HistoryLimit {
		return
	}
	drop := len(s.history) - s.cfg.HistoryLimit
	for drop < len(s.history) {
		m := s.history[drop]
		if m.Meta != nil && m.Meta.Type == types.ContentToolResult {
			drop++
			continue
		}
		break
	}
	s.history = append(s.history[:0:0], s.history[drop:]...)
}

func (s *Session) send(msg any) {
	if err := s.cfg.Sink.SendJSON(msg); err != nil {
		s.log.Debug("drop outbound message", "error", err)
	}
}

func (s *Session) sendError(kind, message string) {
	s.send(protocol.ErrorMessage{Type: protocol.TypeError, Kind: kind, Message: message})
}
