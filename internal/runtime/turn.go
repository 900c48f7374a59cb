package runtime

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/parlorbank/voxgate/internal/config"
	"github.com/parlorbank/voxgate/internal/decision"
	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/internal/workflow"
	"github.com/parlorbank/voxgate/pkg/memory"
	"github.com/parlorbank/voxgate/pkg/provider/s2s"
	"github.com/parlorbank/voxgate/pkg/types"
)

// nudgeInjection is sent to the model when it ended a turn promising an
// action without calling any tool.
const nudgeInjection = "[SYSTEM_INJECTION]: You said you would perform an action. CALL THE TOOL NOW."

// builtinCommitments match assistant phrasings that promise an immediate
// action. A turn that ends on one of these without a tool call earns the
// nudge injection.
var builtinCommitments = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI'?ll (?:just |go )?(?:check|verify|look|pull|fetch|get|bring)\b`),
	regexp.MustCompile(`(?i)\blet me (?:just )?(?:check|verify|look|see|pull)\b`),
	regexp.MustCompile(`(?i)\bjust a (?:moment|minute|sec(?:ond)?)\b`),
	regexp.MustCompile(`(?i)\bone (?:moment|minute|sec(?:ond)?)\b`),
	regexp.MustCompile(`(?i)\bbear with me\b`),
	regexp.MustCompile(`(?i)\bgive me a (?:moment|minute|sec(?:ond)?)\b`),
}

// stepTagRe extracts the node id from a [STEP: x] tag the model emits when
// it moves along its workflow.
var stepTagRe = regexp.MustCompile(`\[STEP:\s*([^\]\s]+)\s*\]`)

func (s *Session) onVoiceEvent(ctx context.Context, ev s2s.Event) {
	s.cfg.Metrics.RecordVoiceEvent(ctx, eventName(ev))

	switch ev := ev.(type) {
	case s2s.AudioOutput:
		s.onModelAudio(ev)
	case s2s.Transcript:
		s.onTranscript(ev)
	case s2s.ToolUse:
		s.onToolUse(ctx, ev)
	case s2s.ContentStart:
		s.onContentStart(ev)
	case s2s.ContentEnd:
		s.onContentEnd(ev)
	case s2s.TurnEnd:
		s.endAssistantTurn()
	case s2s.Usage:
		s.usageIn += ev.InputTokens
		s.usageOut += ev.OutputTokens
		s.send(protocol.Usage{
			Type:         protocol.TypeUsage,
			InputTokens:  s.usageIn,
			OutputTokens: s.usageOut,
		})
	case s2s.Interruption:
		s.interrupted = true
		s.suppressAudio = true
		s.log.Debug("model reported an interruption, muting assistant audio")
	case s2s.SessionError:
		s.log.Warn("voice session error", "kind", ev.Kind, "message", ev.Message)
	}
}

func eventName(ev s2s.Event) string {
	switch ev.(type) {
	case s2s.AudioOutput:
		return "audio"
	case s2s.Transcript:
		return "transcript"
	case s2s.ToolUse:
		return "tool_use"
	case s2s.ContentStart:
		return "content_start"
	case s2s.ContentEnd:
		return "content_end"
	case s2s.TurnEnd:
		return "turn_end"
	case s2s.Usage:
		return "usage"
	case s2s.Interruption:
		return "interruption"
	case s2s.SessionError:
		return "session_error"
	default:
		return "unknown"
	}
}

func (s *Session) onModelAudio(ev s2s.AudioOutput) {
	if s.cfg.Mode == config.ModeText || s.suppressAudio {
		return
	}
	if err := s.cfg.Sink.SendAudio(ev.PCM); err != nil {
		s.log.Debug("drop synthesised audio", "error", err)
	}
}

// onTranscript folds one transcript event into the assembler and reacts to
// the committed text: assistant text is scanned for step tags and feeds the
// commitment check, user text opens a fresh turn.
func (s *Session) onTranscript(ev s2s.Transcript) {
	if ev.Role == types.RoleAssistant {
		s.turnOpen = true
		s.scanStepTags(ev.Text)
	}

	msg, ok := s.asm.Observe(ev)
	if !ok {
		return
	}
	if ev.Role == types.RoleUser && isSystemInjection(msg.Text) {
		// Injections echo back as user turns; keep them off the wire and
		// out of the dedup reset.
		return
	}
	s.send(msg)
	if !msg.IsFinal {
		return
	}
	switch ev.Role {
	case types.RoleUser:
		s.onUserUtterance(msg.Text)
	case types.RoleAssistant:
		s.recordAssistantText(msg.Text)
	}
}

// onUserUtterance registers a real caller turn recognised from speech.
func (s *Session) onUserUtterance(text string) {
	s.resetUserTurn()
	s.history = append(s.history, types.Text(types.RoleUser, text))
	s.trimHistory()
	s.mem[memory.KeyLastUserMessage] = text
}

func (s *Session) recordAssistantText(text string) {
	s.turnText.WriteString(text)
	s.turnText.WriteByte(' ')
	s.history = append(s.history, types.Text(types.RoleAssistant, text))
	s.trimHistory()
}

func isSystemInjection(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "[SYSTEM")
}

func (s *Session) onContentStart(ev s2s.ContentStart) {
	if ev.Role != types.RoleAssistant {
		return
	}
	s.turnOpen = true
	s.activeBlocks++
}

func (s *Session) onContentEnd(ev s2s.ContentEnd) {
	if ev.Role != types.RoleAssistant {
		return
	}
	if s.activeBlocks > 0 {
		s.activeBlocks--
	}
	if ev.StopReason == s2s.StopEndTurn && ev.Stage == s2s.StageFinal && s.activeBlocks == 0 {
		s.endAssistantTurn()
	}
}

// endAssistantTurn closes the assistant's turn: any dangling draft is
// promoted to a final transcript, the commitment check may fire the nudge,
// and the per-turn state resets. Safe to call more than once per turn.
func (s *Session) endAssistantTurn() {
	if !s.turnOpen {
		return
	}
	s.turnOpen = false

	if msg, ok := s.asm.EndTurn(types.RoleAssistant); ok {
		s.send(msg)
		s.recordAssistantText(msg.Text)
	}

	if !s.toolCalled && s.commitmentMade() {
		if err := s.voice.SendText(nudgeInjection); err != nil {
			s.log.Warn("inject tool nudge", "error", err)
		} else {
			s.log.Info("nudged assistant to call the tool it promised")
		}
	}

	s.turnText.Reset()
	s.stepBuf = ""
	s.toolCalled = false
	s.interrupted = false
	s.suppressAudio = false
	s.activeBlocks = 0
}

// commitmentMade reports whether the turn's text promised an action.
func (s *Session) commitmentMade() bool {
	text := s.turnText.String()
	if text == "" {
		return false
	}
	for _, re := range s.commitRe {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// scanStepTags accumulates raw assistant text and processes every complete
// [STEP: x] tag exactly once, tolerating tags split across stream chunks.
func (s *Session) scanStepTags(chunk string) {
	if s.engine == nil {
		return
	}
	s.stepBuf += chunk
	for {
		m := stepTagRe.FindStringSubmatchIndex(s.stepBuf)
		if m == nil {
			break
		}
		nodeID := s.stepBuf[m[2]:m[3]]
		s.stepBuf = s.stepBuf[m[1]:]
		s.onStepTag(nodeID)
	}
	// Keep at most a plausible partial tag as carry-over.
	if i := strings.LastIndexByte(s.stepBuf, '['); i >= 0 && len(s.stepBuf)-i < 64 {
		s.stepBuf = s.stepBuf[i:]
	} else {
		s.stepBuf = ""
	}
}

// onStepTag records the model's move to nodeID, shares the new position, and
// kicks off decision arbitration when the node needs it. Tags repeating the
// current node are no-ops, which also absorbs the final transcript restating
// the whole turn.
func (s *Session) onStepTag(nodeID string) {
	if nodeID == s.engine.Current().ID {
		return
	}
	tr := s.engine.Update(nodeID, nil)
	if tr.Err != nil {
		return
	}

	s.pushGraphMemory()

	next := s.engine.NextNodes()
	ids := make([]string, len(next))
	for i, n := range next {
		ids[i] = n.ID
	}
	s.send(protocol.WorkflowUpdate{
		Type:         protocol.TypeWorkflowUpdate,
		CurrentStep:  tr.Current,
		PreviousStep: tr.Previous,
		NodeType:     string(tr.Node.Type),
		NodeLabel:    tr.Node.Label,
		NextSteps:    ids,
	})

	if tr.Node.Type == workflow.NodeDecision {
		s.evaluateDecision(tr.Node)
	}
}

// pushGraphMemory persists the current workflow position through the
// gateway so a reattach or handoff can resume from it.
func (s *Session) pushGraphMemory() {
	gs := s.graphState()
	if gs == nil {
		return
	}
	s.mem.SetGraphState(*gs)
	s.send(protocol.UpdateMemory{
		Type:   protocol.TypeUpdateMemory,
		Memory: map[string]any{memory.KeyGraphState: *gs},
	})
}

// evaluateDecision asks the decision LLM which edge to take, off the session
// goroutine. The engine is not advanced here: the verdict is injected into
// the conversation and the model tags its own next step.
func (s *Session) evaluateDecision(node workflow.Node) {
	if s.cfg.Decider == nil {
		s.log.Warn("decision node reached without an evaluator", "node", node.ID)
		return
	}
	edges := s.engine.Outgoing()
	if len(edges) < 2 {
		return
	}
	state := decision.State{
		Context: s.engine.Context(),
		History: slices.Clone(s.history),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		out := s.cfg.Decider.Evaluate(context.Background(), node, edges, state)
		select {
		case s.decisionDone <- decisionResult{node: node, outcome: out, elapsed: time.Since(start)}:
		case <-s.done:
		}
	}()
}

func (s *Session) onDecision(ctx context.Context, d decisionResult) {
	outcome := "ok"
	if !d.outcome.Success {
		outcome = "fallback"
	}
	s.cfg.Metrics.RecordDecision(ctx, outcome, d.elapsed.Seconds())

	inject := fmt.Sprintf("[SYSTEM] Decision for node %s: %s → GOTO %s",
		d.node.ID, d.outcome.ChosenPathLabel, d.outcome.TargetNodeID)
	if err := s.voice.SendText(inject); err != nil {
		s.log.Warn("inject decision", "error", err)
	}

	s.send(protocol.DecisionMade{
		Type:         protocol.TypeDecisionMade,
		DecisionNode: d.node.ID,
		ChosenPath:   d.outcome.ChosenPathLabel,
		TargetNode:   d.outcome.TargetNodeID,
		Confidence:   d.outcome.Confidence,
		Reasoning:    d.outcome.Reasoning,
	})
	s.log.Info("decision evaluated",
		"node", d.node.ID, "path", d.outcome.ChosenPathLabel,
		"target", d.outcome.TargetNodeID, "confidence", d.outcome.Confidence)
}
