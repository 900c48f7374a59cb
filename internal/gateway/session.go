package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlorbank/voxgate/internal/extract"
	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/pkg/memory"
)

// pendingFrame is one client frame held back while an agent swap or the
// initial attach is in flight.
type pendingFrame struct {
	audio bool
	data  []byte
}

// liveSession is one admitted client with its current agent link. Three
// goroutines touch it: the client reader (serveClient), the agent reader
// (readAgent) and the auto-trigger timer. clientMu guards the client socket
// and the replay buffer; agentMu guards the link, the swap state and the
// pending buffer.
type liveSession struct {
	srv *Server
	id  string
	log *slog.Logger

	clientMu sync.Mutex
	client   *websocket.Conn
	replay   [][]byte
	closed   bool

	agentMu     sync.Mutex
	agent       *agentLink
	swapping    bool
	pending     []pendingFrame
	lastHandoff time.Time
	rescued     bool

	autoMu    sync.Mutex
	autoTimer *time.Timer
}

func newLiveSession(s *Server, id string, conn *websocket.Conn) *liveSession {
	return &liveSession{
		srv:    s,
		id:     id,
		log:    s.log.With("session", id),
		client: conn,
	}
}

// serveClient reads the client socket until it drops or the session ends.
// It greets the peer first; the agent is attached lazily on the first frame
// so a select_workflow can pin the workflow, while audio-first clients get
// the default.
func (ls *liveSession) serveClient(ctx context.Context, conn *websocket.Conn) {
	ls.sendClientMsg(protocol.Connected{Type: protocol.TypeConnected, SessionID: ls.id})

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			ls.clientGone(err)
			return
		}
		if typ == websocket.MessageBinary {
			ls.handleClientAudio(ctx, data)
			continue
		}
		ls.handleClientFrame(ctx, data)
	}
}

// handleClientAudio forwards caller PCM to the agent, attaching the default
// workflow first when no agent is bound yet.
func (ls *liveSession) handleClientAudio(ctx context.Context, data []byte) {
	if !ls.ensureAttached(ctx, "") {
		return
	}
	ls.toAgent(ctx, pendingFrame{audio: true, data: data})
}

// handleClientFrame routes one client text frame. Unknown types pass through
// to the agent untouched so new client features do not need gateway releases.
func (ls *liveSession) handleClientFrame(ctx context.Context, data []byte) {
	frame, err := protocol.Parse(data)
	if err != nil {
		ls.log.Warn("dropping malformed client frame", "error", err)
		return
	}

	if sel, ok := frame.Msg.(*protocol.SelectWorkflow); ok {
		if ls.currentAgent() != nil {
			ls.log.Warn("select_workflow after session start ignored", "workflow", sel.WorkflowID)
			return
		}
		ls.ensureAttached(ctx, sel.WorkflowID)
		return
	}

	if !ls.ensureAttached(ctx, "") {
		return
	}

	switch msg := frame.Msg.(type) {
	case *protocol.TextInput:
		ls.cancelAutoTrigger()
		// Forward first, then patch memory, so the agent never sees a
		// memory_update for an utterance it has not received yet.
		ls.toAgent(ctx, pendingFrame{data: frame.Raw})
		ls.recordUtterance(ctx, msg.Text)
	case *protocol.Stop:
		ls.toAgent(ctx, pendingFrame{data: frame.Raw})
		ls.end("client requested stop")
	case *protocol.UpdateCredentials:
		// Credential material: forward untouched and keep it out of the logs.
		ls.log.Info("forwarding credential rotation to agent")
		ls.toAgent(ctx, pendingFrame{data: frame.Raw})
	default:
		ls.toAgent(ctx, pendingFrame{data: frame.Raw})
	}
}

// ensureAttached binds the session to its first agent. workflowID selects the
// capability to route on; empty means the configured default. Reports whether
// an agent link is available; on failure the client has already been told and
// the session ended.
func (ls *liveSession) ensureAttached(ctx context.Context, workflowID string) bool {
	ls.agentMu.Lock()
	attached := ls.agent != nil || ls.swapping
	ls.agentMu.Unlock()
	if attached {
		return true
	}

	if workflowID == "" {
		workflowID = ls.srv.cfg.DefaultWorkflow
	}

	info, err := ls.srv.registry.FindByCapability(ctx, workflowID)
	if err != nil {
		ls.failSession("no_agent_available", "no agent can serve this session right now", err)
		return false
	}

	sess, err := ls.srv.sessions.Create(ctx, ls.id, info.AgentID)
	if err != nil {
		ls.failSession("session_unavailable", "could not start the session", err)
		return false
	}

	link, err := connectAgent(ctx, info, ls.id, sess.Memory)
	if err != nil {
		ls.failSession("agent_unreachable", "could not reach the selected agent", err)
		return false
	}

	ls.agentMu.Lock()
	ls.agent = link
	ls.agentMu.Unlock()
	go ls.readAgent(link)

	ls.log.Info("session attached", "agent", info.AgentID, "workflow", workflowID)
	ls.sendClientMsg(protocol.SessionStart{Type: protocol.TypeSessionStart, SessionID: ls.id})
	return true
}

// recordUtterance runs extraction over one final user utterance, patches
// session memory, and echoes the merged memory back to the agent.
func (ls *liveSession) recordUtterance(ctx context.Context, text string) {
	if text == "" {
		return
	}
	mem, err := ls.srv.sessions.Memory(ctx, ls.id)
	if err != nil {
		ls.log.Warn("extraction skipped, memory unavailable", "error", err)
		return
	}
	patch := extract.Parse(text).MemoryPatch(mem, text)
	sess, err := ls.srv.sessions.UpdateMemory(ctx, ls.id, patch)
	if err != nil {
		ls.log.Warn("extraction patch failed", "error", err)
		return
	}
	ls.echoMemory(sess.Memory)
}

// echoMemory pushes the current memory snapshot to the agent.
func (ls *liveSession) echoMemory(mem map[string]any) {
	data, err := protocol.Encode(protocol.MemoryUpdate{
		Type:      protocol.TypeMemoryUpdate,
		SessionID: ls.id,
		Memory:    mem,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	ls.toAgent(context.Background(), pendingFrame{data: data})
}

// toAgent writes one frame to the current agent link, or holds it in the
// pending buffer while a swap is in flight. Frames with no link and no swap
// underway are dropped.
func (ls *liveSession) toAgent(ctx context.Context, f pendingFrame) {
	ls.agentMu.Lock()
	if ls.swapping {
		if len(ls.pending) < pendingBufferCap {
			ls.pending = append(ls.pending, f)
		} else {
			kind := "text"
			if f.audio {
				kind = "audio"
			}
			ls.srv.metrics.RecordQueueDrop(ctx, kind)
		}
		ls.agentMu.Unlock()
		return
	}
	link := ls.agent
	ls.agentMu.Unlock()
	if link == nil {
		return
	}

	var err error
	if f.audio {
		err = link.sendAudio(f.data)
	} else {
		err = link.sendJSON(f.data)
	}
	if err != nil {
		ls.log.Warn("agent write failed", "agent", link.agentID, "error", err)
	}
}

func (ls *liveSession) currentAgent() *agentLink {
	ls.agentMu.Lock()
	defer ls.agentMu.Unlock()
	return ls.agent
}

// readAgent pumps one agent link until it closes. Most agent traffic is
// forwarded to the client verbatim; the gateway peels off the frames it owns
// (acks, memory patches, handoff requests) and drops leaked raw model events.
func (ls *liveSession) readAgent(link *agentLink) {
	ctx := context.Background()
	for {
		typ, data, err := link.conn.Read(link.ctx)
		if err != nil {
			ls.onAgentGone(link, err)
			return
		}
		if typ == websocket.MessageBinary {
			ls.sendClientAudio(data)
			continue
		}

		frame, err := protocol.Parse(data)
		if err != nil {
			ls.log.Warn("dropping malformed agent frame", "agent", link.agentID, "error", err)
			continue
		}
		if protocol.IsRawModelEvent(frame.Type) {
			continue
		}

		switch msg := frame.Msg.(type) {
		case *protocol.SessionAck:
			link.acked(*msg)
		case *protocol.UpdateMemory:
			ls.applyAgentMemory(ctx, msg)
		case *protocol.HandoffRequest:
			ls.migrate(ctx, msg, link)
		case *protocol.Transcript:
			if msg.Role == "user" && msg.IsFinal {
				ls.cancelAutoTrigger()
				ls.sendClientRaw(frame.Raw)
				ls.recordUtterance(ctx, msg.Text)
				continue
			}
			ls.sendClientRaw(frame.Raw)
		default:
			ls.sendClientRaw(frame.Raw)
		}
	}
}

// applyAgentMemory applies an agent's memory patch and echoes the merged
// snapshot back. The patch never reaches the client.
func (ls *liveSession) applyAgentMemory(ctx context.Context, msg *protocol.UpdateMemory) {
	if len(msg.Memory) == 0 {
		return
	}
	sess, err := ls.srv.sessions.UpdateMemory(ctx, ls.id, msg.Memory)
	if err != nil {
		ls.log.Warn("agent memory patch failed", "error", err)
		return
	}
	ls.echoMemory(sess.Memory)
}

// ── client socket ──

// sendClientRaw writes one JSON frame to the client, or queues it for replay
// while the client is inside its disconnect grace.
func (ls *liveSession) sendClientRaw(data []byte) {
	ls.clientMu.Lock()
	conn := ls.client
	if conn == nil && !ls.closed {
		if len(ls.replay) < replayBufferCap {
			ls.replay = append(ls.replay, data)
		}
		ls.clientMu.Unlock()
		return
	}
	ls.clientMu.Unlock()
	if conn == nil {
		return
	}
	writeConn(conn, websocket.MessageText, data)
}

// sendClientAudio writes one binary audio frame. Audio is never replayed.
func (ls *liveSession) sendClientAudio(data []byte) {
	ls.clientMu.Lock()
	conn := ls.client
	ls.clientMu.Unlock()
	if conn == nil {
		return
	}
	writeConn(conn, websocket.MessageBinary, data)
}

func (ls *liveSession) sendClientMsg(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	ls.sendClientRaw(data)
}

func (ls *liveSession) sendClientError(kind, message string) {
	ls.sendClientMsg(protocol.ErrorMessage{Type: protocol.TypeError, Kind: kind, Message: message})
}

// clientGone detaches the client socket and starts the disconnect grace. The
// agent keeps running; JSON traffic accumulates in the replay buffer.
func (ls *liveSession) clientGone(cause error) {
	ls.clientMu.Lock()
	if ls.closed {
		ls.clientMu.Unlock()
		return
	}
	ls.client = nil
	ls.clientMu.Unlock()

	ls.log.Info("client disconnected, grace started", "cause", cause)
	ls.srv.sessions.StartGrace(ls.id, func() {
		ls.end("disconnect grace expired")
	})
}

// reattach binds a reconnecting client to this session. Reports false when
// the session already ended or another client is attached.
func (ls *liveSession) reattach(conn *websocket.Conn) bool {
	ls.clientMu.Lock()
	if ls.closed || ls.client != nil {
		ls.clientMu.Unlock()
		return false
	}
	ls.srv.sessions.CancelGrace(ls.id)
	ls.client = conn
	replay := ls.replay
	ls.replay = nil
	ls.clientMu.Unlock()

	for _, data := range replay {
		writeConn(conn, websocket.MessageText, data)
	}
	return true
}

// failSession reports a fatal admission error to the client and ends the
// session.
func (ls *liveSession) failSession(kind, message string, cause error) {
	ls.log.Error("session failed", "kind", kind, "error", cause)
	ls.sendClientError(kind, message)
	ls.end(kind)
}

// end tears the session down exactly once: auto-trigger cancelled, agent link
// stopped, client closed, store record deleted.
func (ls *liveSession) end(reason string) {
	ls.clientMu.Lock()
	if ls.closed {
		ls.clientMu.Unlock()
		return
	}
	ls.closed = true
	conn := ls.client
	ls.client = nil
	ls.replay = nil
	ls.clientMu.Unlock()

	ls.cancelAutoTrigger()

	ls.agentMu.Lock()
	link := ls.agent
	ls.agent = nil
	ls.pending = nil
	ls.agentMu.Unlock()
	if link != nil {
		link.stop()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ls.srv.sessions.Delete(ctx, ls.id); err != nil && !isNotFound(err) {
		ls.log.Warn("session record cleanup failed", "error", err)
	}
	ls.srv.drop(ls.id)
	ls.log.Info("session ended", "reason", reason)
}

// writeConn performs one bounded WebSocket write.
func writeConn(conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = conn.Write(ctx, typ, data)
}

func isNotFound(err error) bool {
	return errors.Is(err, memory.ErrSessionNotFound)
}
