package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/internal/registry"
	"github.com/parlorbank/voxgate/pkg/memory"
)

// handoffCooldown is the minimum gap between completed handoffs. A second
// request inside the window is answered MultipleHandoffBlocked, the same as
// one arriving during a swap.
const handoffCooldown = 2 * time.Second

// ReasonMultipleHandoffBlocked is sent to an agent whose handoff request
// arrived while another was already in flight or just completed.
const ReasonMultipleHandoffBlocked = "MultipleHandoffBlocked"

// intentCapabilities routes a verified caller's stated intent to the
// capability that serves it. Missing intents fall back to the default
// workflow.
var intentCapabilities = map[string]string{
	"check_balance":      "banking",
	"check_transactions": "banking",
	"dispute":            "disputes",
	"mortgage":           "mortgage",
	"investigation":      "investigation",
}

// migrate moves the session to the agent a handoff_request names. It runs on
// the source link's reader goroutine; client frames arriving meanwhile are
// buffered and flushed to the new link in order. On any failure the session
// stays on the source agent and the source gets a handoff_failed. The
// returned error serves REST-initiated transfers; agent-initiated callers
// already notified the source and may discard it.
func (ls *liveSession) migrate(ctx context.Context, req *protocol.HandoffRequest, from *agentLink) error {
	ls.agentMu.Lock()
	if ls.swapping || ls.agent != from || time.Since(ls.lastHandoff) < handoffCooldown {
		ls.agentMu.Unlock()
		ls.srv.metrics.RecordHandoff(ctx, "blocked")
		if err := from.sendMsg(protocol.HandoffFailed{
			Type:   protocol.TypeHandoffFailed,
			Reason: ReasonMultipleHandoffBlocked,
		}); err != nil {
			ls.log.Warn("handoff_failed delivery failed", "agent", from.agentID, "error", err)
		}
		return errors.New("gateway: handoff already in flight")
	}
	ls.swapping = true
	ls.agentMu.Unlock()

	target, err := ls.resolveTarget(ctx, req)
	if err != nil {
		ls.failHandoff(ctx, from, req.TargetCapability, err)
		return err
	}

	sess, err := ls.srv.sessions.UpdateMemory(ctx, ls.id, handoffPatch(req, from.agentID))
	if err != nil {
		ls.failHandoff(ctx, from, target.AgentID, err)
		return err
	}

	link, err := connectAgent(ctx, target, ls.id, sess.Memory)
	if err != nil {
		ls.failHandoff(ctx, from, target.AgentID, err)
		return err
	}
	go ls.readAgent(link)

	ack, err := link.waitAck(ls.srv.cfg.HandoffAckTimeout())
	if err != nil {
		link.stop()
		ls.failHandoff(ctx, from, target.AgentID, err)
		return err
	}

	ls.clientMu.Lock()
	ended := ls.closed
	ls.clientMu.Unlock()
	if ended {
		link.stop()
		return errors.New("gateway: session ended during handoff")
	}

	ls.agentMu.Lock()
	ls.agent = link
	ls.swapping = false
	ls.lastHandoff = time.Now()
	pending := ls.pending
	ls.pending = nil
	ls.agentMu.Unlock()

	from.stop()
	ls.flushTo(link, pending)

	ls.sendClientMsg(protocol.HandoffEvent{Type: protocol.TypeHandoffEvent, Target: target.AgentID})
	if err := ls.srv.sessions.Reassign(ctx, ls.id, target.AgentID); err != nil {
		ls.log.Warn("reassign after handoff failed", "agent", target.AgentID, "error", err)
	}
	ls.srv.metrics.RecordHandoff(ctx, "ok")
	ls.log.Info("handoff complete",
		"from", from.agentID, "to", target.AgentID, "s2s", ack.S2S)

	ls.armAutoTrigger()
	return nil
}

// handoffPatch builds the memory patch a handoff commits: the request's
// context, the departing agent as lastAgent, workflow progress when carried,
// and the consumed pendingHandoff removed.
func handoffPatch(req *protocol.HandoffRequest, fromAgentID string) map[string]any {
	patch := make(map[string]any, len(req.Context)+3)
	maps.Copy(patch, req.Context)
	patch[memory.KeyLastAgent] = fromAgentID
	if req.GraphState != nil {
		patch[memory.KeyGraphState] = *req.GraphState
	}
	patch[memory.KeyPendingHandoff] = nil
	return patch
}

// resolveTarget picks the agent a handoff should land on. An explicit agent
// id must be healthy; a capability routes through the registry; a request
// naming neither routes the verified caller's stated intent, falling back to
// the default workflow.
func (ls *liveSession) resolveTarget(ctx context.Context, req *protocol.HandoffRequest) (registry.AgentInfo, error) {
	switch {
	case req.TargetAgentID != "":
		info, err := ls.srv.registry.Get(ctx, req.TargetAgentID)
		if err != nil {
			return registry.AgentInfo{}, err
		}
		if !info.HealthyAt(time.Now(), registry.DefaultHealthyWindow) {
			return registry.AgentInfo{}, fmt.Errorf("agent %q is not healthy", req.TargetAgentID)
		}
		return info, nil

	case req.TargetCapability != "":
		return ls.srv.registry.FindByCapability(ctx, req.TargetCapability)

	default:
		capability := ls.srv.cfg.DefaultWorkflow
		if mem, err := ls.srv.sessions.Memory(ctx, ls.id); err == nil && mem.Verified() {
			if c, ok := intentCapabilities[mem.UserIntent()]; ok {
				capability = c
			}
		}
		return ls.srv.registry.FindByCapability(ctx, capability)
	}
}

// failHandoff unwinds a failed swap: buffered client frames drain back to the
// source link and the source learns why via handoff_failed.
func (ls *liveSession) failHandoff(ctx context.Context, from *agentLink, target string, cause error) {
	ls.agentMu.Lock()
	ls.swapping = false
	pending := ls.pending
	ls.pending = nil
	ls.agentMu.Unlock()

	ls.flushTo(from, pending)

	ls.srv.metrics.RecordHandoff(ctx, "failed")
	ls.log.Warn("handoff failed", "target", target, "error", cause)
	if err := from.sendMsg(protocol.HandoffFailed{
		Type:   protocol.TypeHandoffFailed,
		Target: target,
		Reason: failureReason(cause),
	}); err != nil {
		ls.log.Warn("handoff_failed delivery failed", "agent", from.agentID, "error", err)
	}
}

// failureReason classifies a handoff error for the requesting agent.
func failureReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrNoHealthyAgent), errors.Is(err, registry.ErrAgentNotFound):
		return "NoHealthyAgent"
	case errors.Is(err, registry.ErrUnavailable):
		return "RegistryUnavailable"
	default:
		return "AgentUnreachable"
	}
}

// flushTo drains buffered client frames to a link in arrival order.
func (ls *liveSession) flushTo(link *agentLink, pending []pendingFrame) {
	for _, f := range pending {
		var err error
		if f.audio {
			err = link.sendAudio(f.data)
		} else {
			err = link.sendJSON(f.data)
		}
		if err != nil {
			ls.log.Warn("pending frame flush failed", "agent", link.agentID, "error", err)
			return
		}
	}
}

// ── auto-trigger ──

// armAutoTrigger schedules the post-handoff nudge: after the configured
// pause the gateway speaks the caller's stated intent to the new agent, so a
// verified caller is not greeted with silence. Any caller activity cancels
// it.
func (ls *liveSession) armAutoTrigger() {
	delay := ls.srv.cfg.AutoTriggerDelay()
	if delay <= 0 {
		return
	}
	ls.autoMu.Lock()
	defer ls.autoMu.Unlock()
	if ls.autoTimer != nil {
		ls.autoTimer.Stop()
	}
	ls.autoTimer = time.AfterFunc(delay, ls.fireAutoTrigger)
}

// fireAutoTrigger re-checks the gate at fire time: the caller must still be
// verified with a stated intent.
func (ls *liveSession) fireAutoTrigger() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	mem, err := ls.srv.sessions.Memory(ctx, ls.id)
	if err != nil || !mem.Verified() || mem.UserIntent() == "" {
		return
	}
	intent := mem.UserIntent()

	data, err := protocol.Encode(protocol.TextInput{
		Type: protocol.TypeTextInput,
		Text: "I want to " + strings.ReplaceAll(intent, "_", " "),
	})
	if err != nil {
		return
	}
	ls.log.Info("auto-trigger spoke caller intent", "intent", intent)
	ls.toAgent(ctx, pendingFrame{data: data})
}

func (ls *liveSession) cancelAutoTrigger() {
	ls.autoMu.Lock()
	defer ls.autoMu.Unlock()
	if ls.autoTimer != nil {
		ls.autoTimer.Stop()
		ls.autoTimer = nil
	}
}

// ── agent failure ──

// onAgentGone handles a dropped agent connection. The agent is marked
// unhealthy; the first mid-session loss gets one rescue attempt onto the
// default-workflow agent, after which the session ends with an error to the
// client.
func (ls *liveSession) onAgentGone(from *agentLink, cause error) {
	ls.agentMu.Lock()
	if ls.agent != from {
		ls.agentMu.Unlock()
		return
	}
	ls.agent = nil
	alreadyRescued := ls.rescued
	ls.rescued = true
	ls.agentMu.Unlock()
	from.stop()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	ls.log.Warn("agent connection lost", "agent", from.agentID, "cause", cause)
	if err := ls.srv.registry.SetStatus(ctx, from.agentID, registry.StatusUnhealthy); err != nil {
		ls.log.Warn("could not mark agent unhealthy", "agent", from.agentID, "error", err)
	}

	if alreadyRescued {
		ls.failSession("agent_unreachable", "lost the agent serving this session", cause)
		return
	}

	info, err := ls.srv.registry.FindByCapability(ctx, ls.srv.cfg.DefaultWorkflow)
	if err != nil || info.AgentID == from.agentID {
		ls.failSession("agent_unreachable", "lost the agent serving this session", cause)
		return
	}
	mem, err := ls.srv.sessions.Memory(ctx, ls.id)
	if err != nil {
		ls.failSession("agent_unreachable", "lost the agent serving this session", err)
		return
	}
	link, err := connectAgent(ctx, info, ls.id, mem)
	if err != nil {
		ls.failSession("agent_unreachable", "lost the agent serving this session", err)
		return
	}

	ls.agentMu.Lock()
	ls.agent = link
	ls.agentMu.Unlock()
	go ls.readAgent(link)

	if err := ls.srv.sessions.Reassign(ctx, ls.id, info.AgentID); err != nil {
		ls.log.Warn("reassign after rescue failed", "agent", info.AgentID, "error", err)
	}
	ls.sendClientMsg(protocol.HandoffEvent{Type: protocol.TypeHandoffEvent, Target: info.AgentID})
	ls.srv.metrics.RecordHandoff(ctx, "fallback")
	ls.log.Info("session rescued onto fallback agent", "agent", info.AgentID)
}
