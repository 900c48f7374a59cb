package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/internal/registry"
	"github.com/parlorbank/voxgate/pkg/memory"
)

// dialTimeout bounds the WebSocket dial plus the session_init write when
// connecting to an agent.
const dialTimeout = 5 * time.Second

// agentLink is one gateway → agent WebSocket connection. Writes are
// serialized by writeMu; reads belong to exactly one readAgent goroutine.
type agentLink struct {
	sessionID string
	agentID   string
	url       string
	conn      *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	ackOnce sync.Once
	ack     chan protocol.SessionAck
}

// connectAgent dials the agent's /session endpoint and primes it with
// session_init. The returned link has not been acknowledged yet; callers
// that need the ack wait on [agentLink.waitAck].
func connectAgent(ctx context.Context, info registry.AgentInfo, sessionID string, mem memory.SessionMemory) (*agentLink, error) {
	wsURL := sessionEndpoint(info.URL)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial agent %s at %s: %w", info.AgentID, wsURL, err)
	}

	linkCtx, linkCancel := context.WithCancel(context.Background())
	link := &agentLink{
		sessionID: sessionID,
		agentID:   info.AgentID,
		url:       wsURL,
		conn:      conn,
		ctx:       linkCtx,
		cancel:    linkCancel,
		ack:       make(chan protocol.SessionAck, 1),
	}

	init, err := protocol.Encode(protocol.SessionInit{
		Type:      protocol.TypeSessionInit,
		SessionID: sessionID,
		TraceID:   uuid.NewString(),
		Memory:    mem,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		link.stop()
		return nil, err
	}
	if err := link.sendJSON(init); err != nil {
		link.stop()
		return nil, fmt.Errorf("gateway: init agent %s: %w", info.AgentID, err)
	}
	return link, nil
}

// sessionEndpoint converts an agent's advertised base URL into its /session
// WebSocket URL.
func sessionEndpoint(base string) string {
	u := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/session"
}

func (l *agentLink) sendJSON(data []byte) error {
	return l.write(websocket.MessageText, data)
}

func (l *agentLink) sendAudio(data []byte) error {
	return l.write(websocket.MessageBinary, data)
}

func (l *agentLink) write(typ websocket.MessageType, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(l.ctx, writeTimeout)
	defer cancel()
	return l.conn.Write(ctx, typ, data)
}

// sendMsg encodes and writes one typed frame.
func (l *agentLink) sendMsg(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return l.sendJSON(data)
}

// acked records the agent's session_ack. Only the first ack counts.
func (l *agentLink) acked(ack protocol.SessionAck) {
	l.ackOnce.Do(func() {
		l.ack <- ack
	})
}

// waitAck blocks until the agent acknowledges the session or the timeout
// elapses.
func (l *agentLink) waitAck(timeout time.Duration) (protocol.SessionAck, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ack := <-l.ack:
		return ack, nil
	case <-l.ctx.Done():
		return protocol.SessionAck{}, l.ctx.Err()
	case <-t.C:
		return protocol.SessionAck{}, fmt.Errorf("gateway: agent %s did not ack within %s", l.agentID, timeout)
	}
}

// stop closes the link and unblocks its reader.
func (l *agentLink) stop() {
	l.cancel()
	l.conn.Close(websocket.StatusNormalClosure, "session released")
}
