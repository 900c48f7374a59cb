package runtime

import (
	"context"
	"time"

	"github.com/parlorbank/voxgate/internal/decision"
	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/internal/tools"
	"github.com/parlorbank/voxgate/internal/workflow"
	"github.com/parlorbank/voxgate/pkg/memory"
	"github.com/parlorbank/voxgate/pkg/provider/s2s"
	"github.com/parlorbank/voxgate/pkg/types"
)

const (
	authStatusKey = "auth_status"
	authVerified  = "VERIFIED"
	authFailed    = "FAILED"

	// maxIdentityFailures is how many failed verification attempts the IDV
	// agent tolerates before sending the caller back to triage.
	maxIdentityFailures = 3
)

// inflight tracks one dispatched tool execution together with every
// duplicate id the model issued for it. The model duplicates tool requests
// across speculative and final stages; each id still expects its own result.
type inflight struct {
	name    string
	firstID string
	input   map[string]any

	dups    []string
	done    bool
	payload map[string]any
	isError bool
}

type toolCompletion struct {
	rec     *inflight
	res     tools.Result
	elapsed time.Duration
}

type decisionResult struct {
	node    workflow.Node
	outcome decision.Outcome
	elapsed time.Duration
}

// onToolUse handles one tool request from the model. Handoff tools never
// reach a backend. A repeated name within the turn is folded into the
// original execution: pending duplicates queue for replay, completed ones
// answer immediately from the recorded payload.
func (s *Session) onToolUse(ctx context.Context, ev s2s.ToolUse) {
	s.toolCalled = true
	s.send(protocol.ToolUse{
		Type:      protocol.TypeToolUse,
		ToolName:  ev.ToolName,
		ToolUseID: ev.ToolUseID,
		Input:     ev.Input,
	})

	if tools.IsHandoff(ev.ToolName) {
		s.onHandoffTool(ctx, ev)
		return
	}

	if rec, ok := s.calls[ev.ToolName]; ok {
		if rec.done {
			s.replyTool(ev.ToolUseID, rec.payload, rec.isError)
		} else {
			rec.dups = append(rec.dups, ev.ToolUseID)
		}
		s.log.Debug("duplicate tool request folded into the original",
			"tool", ev.ToolName, "toolUseId", ev.ToolUseID)
		return
	}

	rec := &inflight{name: ev.ToolName, firstID: ev.ToolUseID, input: ev.Input}
	s.calls[ev.ToolName] = rec
	s.history = append(s.history, types.ToolUseMessage(types.ToolCall{
		ToolUseID: ev.ToolUseID,
		ToolName:  ev.ToolName,
		Input:     ev.Input,
	}))
	s.trimHistory()

	// The execution context is detached from the session: a gateway
	// disconnect must not cancel a tool that is already running.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ToolTimeout)
		defer cancel()
		start := time.Now()
		res := s.cfg.Tools.Execute(ctx, rec.name, rec.input)
		select {
		case s.toolDone <- toolCompletion{rec: rec, res: res, elapsed: time.Since(start)}:
		case <-s.done:
		}
	}()
}

// onToolDone answers the model for the original id and every duplicate
// recorded while the tool ran, in the order the model issued them, then
// publishes the result to the gateway.
func (s *Session) onToolDone(ctx context.Context, c toolCompletion) {
	rec := c.rec

	outcome := "ok"
	if !c.res.Success {
		outcome = string(c.res.Kind)
		if outcome == "" {
			outcome = "error"
		}
	}
	s.cfg.Metrics.RecordToolCall(ctx, rec.name, outcome, c.elapsed.Seconds())

	value := tools.Truncate(c.res.Value, s.cfg.ResultCap)
	rec.payload, rec.isError = toolPayload(value, c.res)
	rec.done = true

	s.replyTool(rec.firstID, rec.payload, rec.isError)
	for _, id := range rec.dups {
		s.replyTool(id, rec.payload, rec.isError)
	}
	rec.dups = nil

	status := "ok"
	if !c.res.Success {
		status = "error"
	}
	s.history = append(s.history, types.ToolResultMessage(rec.firstID, rec.name, value, status))
	s.trimHistory()

	out := protocol.ToolResult{
		Type:      protocol.TypeToolResult,
		ToolName:  rec.name,
		ToolUseID: rec.firstID,
		Success:   c.res.Success,
	}
	if c.res.Success {
		out.Result = value
	} else {
		out.Result = c.res.Message
		out.ErrorKind = string(c.res.Kind)
	}
	s.send(out)

	if s.isIdentity && rec.name == IdentityTool {
		s.afterIdentity(ctx, rec, c.res)
	}
}

// toolPayload shapes what goes back to the model. Failures travel as an
// error payload; successful non-object values are wrapped so the payload
// stays a JSON object.
func toolPayload(value any, res tools.Result) (payload map[string]any, isError bool) {
	if !res.Success {
		p := map[string]any{"success": false, "error": res.Message}
		if res.Kind != "" {
			p["errorKind"] = string(res.Kind)
		}
		return p, true
	}
	if m, ok := value.(map[string]any); ok {
		return m, false
	}
	return map[string]any{"result": value}, false
}

func (s *Session) replyTool(toolUseID string, payload map[string]any, isError bool) {
	if err := s.voice.SendToolResult(toolUseID, payload, isError); err != nil {
		s.log.Warn("send tool result", "toolUseId", toolUseID, "error", err)
	}
}

// onHandoffTool intercepts a transfer tool: the model gets a success stub,
// the gateway gets a handoff_request, and nothing executes. A second handoff
// within the same turn is refused.
func (s *Session) onHandoffTool(ctx context.Context, ev s2s.ToolUse) {
	if s.handoffFired {
		s.cfg.Metrics.RecordHandoff(ctx, "blocked")
		msg := "a transfer is already in progress for this turn"
		s.replyTool(ev.ToolUseID, map[string]any{"success": false, "error": msg}, true)
		s.send(protocol.ToolResult{
			Type:      protocol.TypeToolResult,
			ToolName:  ev.ToolName,
			ToolUseID: ev.ToolUseID,
			Success:   false,
			Result:    msg,
			ErrorKind: string(tools.KindHandoffBlocked),
		})
		s.log.Warn("second handoff in one turn blocked", "tool", ev.ToolName)
		return
	}
	s.handoffFired = true

	// The model still needs a result for its tool call, even though nothing
	// ran.
	s.replyTool(ev.ToolUseID, map[string]any{"success": true, "message": "transfer initiated"}, false)
	s.send(protocol.ToolResult{
		Type:      protocol.TypeToolResult,
		ToolName:  ev.ToolName,
		ToolUseID: ev.ToolUseID,
		Success:   true,
		Result:    "transfer initiated",
	})

	target, _ := tools.HandoffTarget(ev.ToolName)
	reason, _ := ev.Input["reason"].(string)
	s.cfg.Metrics.RecordHandoff(ctx, "requested")
	s.send(protocol.HandoffRequest{
		Type:             protocol.TypeHandoffRequest,
		TargetCapability: target,
		Context:          s.handoffContext(reason),
		GraphState:       s.graphState(),
	})
	s.log.Info("handoff requested", "target", target, "reason", reason)
}

// handoffContext packages what the next agent needs to keep the
// conversation seamless. Identity facts travel only once verified.
func (s *Session) handoffContext(reason string) map[string]any {
	out := map[string]any{}
	if s.mem.Verified() {
		out[memory.KeyVerified] = true
		if v := s.mem.UserName(); v != "" {
			out[memory.KeyUserName] = v
		}
		if v := s.mem.Account(); v != "" {
			out[memory.KeyAccount] = v
		}
		if v := s.mem.SortCode(); v != "" {
			out[memory.KeySortCode] = v
		}
	}
	if v := s.mem.UserIntent(); v != "" {
		out[memory.KeyUserIntent] = v
	}
	if reason != "" {
		out["reason"] = reason
	}
	return out
}

// afterIdentity inspects a verification tool result. VERIFIED promotes the
// caller's identity into session memory and asks the gateway to route them
// onward; the third FAILED attempt sends them back to triage.
func (s *Session) afterIdentity(ctx context.Context, rec *inflight, res tools.Result) {
	result, _ := res.Value.(map[string]any)
	status, _ := result[authStatusKey].(string)

	switch status {
	case authVerified:
		s.onVerified(ctx, rec, result)
	case authFailed:
		s.idvFails++
		s.log.Info("identity check failed", "attempt", s.idvFails)
		if s.idvFails < maxIdentityFailures {
			return
		}
		s.handoffFired = true
		s.cfg.Metrics.RecordHandoff(ctx, "requested")
		s.send(protocol.HandoffRequest{
			Type:             protocol.TypeHandoffRequest,
			TargetCapability: "triage",
			Context:          s.handoffContext("identity verification failed"),
			GraphState:       s.graphState(),
		})
		s.log.Warn("verification attempts exhausted, returning caller to triage")
	}
}

// onVerified records the verified identity, patches the shared session
// memory through the gateway, and emits a handoff_request that names no
// target: the gateway resolves the destination from the caller's stated
// intent.
func (s *Session) onVerified(ctx context.Context, rec *inflight, result map[string]any) {
	patch := map[string]any{memory.KeyVerified: true}
	if v, _ := result["customer_name"].(string); v != "" {
		patch[memory.KeyUserName] = v
	}
	if v := inputString(rec.input, "accountNumber", "account_number"); v != "" {
		patch[memory.KeyAccount] = v
	}
	if v := inputString(rec.input, "sortCode", "sort_code"); v != "" {
		patch[memory.KeySortCode] = v
	}
	s.mem.Apply(patch)
	s.recompose()

	pending := memory.PendingHandoff{
		Reason:  s.mem.UserIntent(),
		Context: s.handoffContext(""),
	}
	s.mem.SetPendingHandoff(pending)
	patch[memory.KeyPendingHandoff] = pending
	s.send(protocol.UpdateMemory{Type: protocol.TypeUpdateMemory, Memory: patch})

	s.handoffFired = true
	s.cfg.Metrics.RecordHandoff(ctx, "requested")
	s.send(protocol.HandoffRequest{
		Type:       protocol.TypeHandoffRequest,
		Context:    s.handoffContext(""),
		GraphState: s.graphState(),
	})
	s.log.Info("caller verified, routing by stated intent", "intent", s.mem.UserIntent())
}

// inputString returns the first non-empty string among the named input
// fields. The tool contract spells fields camelCase; snake_case renderings
// from the model are honoured too.
func inputString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, _ := input[key].(string); v != "" {
			return v
		}
	}
	return ""
}
