// Package protocol defines the JSON frames exchanged on the client and agent
// WebSocket connections, and the decoder that turns raw frames into typed
// messages.
//
// Text frames carry exactly one JSON object with a "type" discriminator.
// Binary frames carry raw PCM16 audio and never reach this package. Each
// boundary calls [Parse] once per frame and routes on the concrete variant;
// pass-through paths forward [Frame.Raw] untouched.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parlorbank/voxgate/pkg/memory"
)

// Type discriminates WebSocket text frames.
type Type string

// Client → gateway frames.
const (
	TypeSelectWorkflow    Type = "select_workflow"
	TypeSessionConfig     Type = "sessionConfig"
	TypeTextInput         Type = "text_input"
	TypeUpdateCredentials Type = "updateCredentials"
	TypeClearChat         Type = "clearChat"
)

// Gateway → client frames.
const (
	TypeConnected      Type = "connected"
	TypeSessionStart   Type = "session_start"
	TypeTranscript     Type = "transcript"
	TypeToolUse        Type = "tool_use"
	TypeToolResult     Type = "tool_result"
	TypeHandoffEvent   Type = "handoff_event"
	TypeDecisionMade   Type = "decision_made"
	TypeWorkflowUpdate Type = "workflow_update"
	TypeUsage          Type = "usage"
	TypeMetadata       Type = "metadata"
	TypeError          Type = "error"
)

// Gateway ⇄ agent frames.
const (
	TypeSessionInit    Type = "session_init"
	TypeUserInput      Type = "user_input" // legacy alias for text_input
	TypeMemoryUpdate   Type = "memory_update"
	TypeStop           Type = "stop"
	TypeSessionAck     Type = "session_ack"
	TypeHandoffRequest Type = "handoff_request"
	TypeHandoffFailed  Type = "handoff_failed"
	TypeUpdateMemory   Type = "update_memory"
)

// Voice stream states reported in [SessionAck.S2S].
const (
	S2SActive   = "active"
	S2SInactive = "inactive"
)

// ── client → gateway ─────────────────────────────────────────────────────────

// SelectWorkflow pins the workflow driving the session's first agent.
type SelectWorkflow struct {
	Type       Type   `json:"type"`
	WorkflowID string `json:"workflowId"`
}

// SessionSettings carries the client-tunable session overrides.
type SessionSettings struct {
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	VoiceID       string   `json:"voiceId,omitempty"`
	BrainMode     string   `json:"brainMode,omitempty"`
	SelectedTools []string `json:"selectedTools,omitempty"`
}

// SessionConfig applies client overrides to the current session.
type SessionConfig struct {
	Type   Type            `json:"type"`
	Config SessionSettings `json:"config"`
}

// TextInput is one typed user utterance. Agents accept the legacy
// "user_input" alias; [Parse] folds both spellings into this variant.
type TextInput struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
}

// UpdateCredentials rotates the AWS credentials behind the session's voice
// stream. The gateway forwards it to the current agent untouched and never
// logs the field values.
type UpdateCredentials struct {
	Type            Type   `json:"type"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Region          string `json:"region"`
}

// ClearChat asks the agent to reset its conversation history.
type ClearChat struct {
	Type Type `json:"type"`
}

// ── gateway → client ─────────────────────────────────────────────────────────

// Connected announces a WebSocket identity. The gateway sends it to clients
// with the session id; agents send it back with their agent id as well.
type Connected struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId,omitempty"`
}

// SessionStart tells the client its session is ready for input.
type SessionStart struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// Transcript is one displayed utterance, streamed or final. Role is
// "user" or "assistant". Timestamp is milliseconds since the Unix epoch.
type Transcript struct {
	Type        Type   `json:"type"`
	ID          string `json:"id"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"isFinal"`
	IsStreaming bool   `json:"isStreaming,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ToolUse reports a tool invocation the assistant has requested.
type ToolUse struct {
	Type      Type           `json:"type"`
	ToolName  string         `json:"toolName"`
	ToolUseID string         `json:"toolUseId"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolResult reports the outcome of a tool invocation.
type ToolResult struct {
	Type      Type   `json:"type"`
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// HandoffEvent tells the client control moved to another agent.
type HandoffEvent struct {
	Type   Type   `json:"type"`
	Target string `json:"target"`
}

// DecisionMade reports the outcome of a workflow decision evaluation.
type DecisionMade struct {
	Type         Type    `json:"type"`
	DecisionNode string  `json:"decisionNode"`
	ChosenPath   string  `json:"chosenPath"`
	TargetNode   string  `json:"targetNode"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning,omitempty"`
}

// WorkflowUpdate reports a workflow step transition.
type WorkflowUpdate struct {
	Type         Type     `json:"type"`
	CurrentStep  string   `json:"currentStep"`
	PreviousStep string   `json:"previousStep,omitempty"`
	NodeType     string   `json:"nodeType"`
	NodeLabel    string   `json:"nodeLabel,omitempty"`
	NextSteps    []string `json:"nextSteps"`
}

// Usage reports cumulative token consumption for the session.
type Usage struct {
	Type         Type `json:"type"`
	InputTokens  int  `json:"inputTokens"`
	OutputTokens int  `json:"outputTokens"`
}

// Metadata carries optional per-turn annotations.
type Metadata struct {
	Type       Type    `json:"type"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	TraceID    string  `json:"traceId,omitempty"`
}

// ErrorMessage surfaces a session-level failure to the peer.
type ErrorMessage struct {
	Type    Type   `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ── gateway ⇄ agent ──────────────────────────────────────────────────────────

// SessionInit primes an agent connection with session identity and memory.
// It must be the first text frame on a gateway → agent connection.
type SessionInit struct {
	Type      Type                 `json:"type"`
	SessionID string               `json:"sessionId"`
	TraceID   string               `json:"traceId"`
	Memory    memory.SessionMemory `json:"memory"`
	Timestamp int64                `json:"timestamp"`
}

// MemoryUpdate echoes the post-patch session memory back to an agent.
type MemoryUpdate struct {
	Type       Type                 `json:"type"`
	SessionID  string               `json:"sessionId"`
	Memory     memory.SessionMemory `json:"memory"`
	GraphState *memory.GraphState   `json:"graphState,omitempty"`
	Timestamp  int64                `json:"timestamp"`
}

// Stop asks the agent to end the session cleanly.
type Stop struct {
	Type Type `json:"type"`
}

// SessionAck confirms an agent accepted a session handover. S2S reports
// whether a live voice stream backs the session.
type SessionAck struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	S2S       string `json:"s2s"`
	Workflow  string `json:"workflow,omitempty"`
}

// HandoffRequest asks the gateway to move the session to another agent.
// At most one of TargetAgentID or TargetCapability is set; a request naming
// neither asks the gateway to resolve the target from the caller's stated
// intent in session memory.
type HandoffRequest struct {
	Type             Type               `json:"type"`
	TargetAgentID    string             `json:"targetAgentId,omitempty"`
	TargetCapability string             `json:"targetCapability,omitempty"`
	Context          map[string]any     `json:"context,omitempty"`
	GraphState       *memory.GraphState `json:"graphState,omitempty"`
}

// HandoffFailed tells the requesting agent its transfer was not honored.
// The session stays on the current agent.
type HandoffFailed struct {
	Type   Type   `json:"type"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason"`
}

// UpdateMemory pushes an agent's memory patch to the gateway. The gateway
// applies it to the session store and never forwards it to the client.
type UpdateMemory struct {
	Type   Type           `json:"type"`
	Memory map[string]any `json:"memory"`
}

// ── decoding ─────────────────────────────────────────────────────────────────

// Frame is one decoded text frame. Raw preserves the original bytes so
// pass-through paths can forward without re-encoding. Msg points to the
// typed variant, or is nil when the type is unrecognised.
type Frame struct {
	Type Type
	Raw  []byte
	Msg  any
}

// ErrMissingType reports a text frame without a type discriminator.
var ErrMissingType = errors.New("protocol: frame has no type")

// Parse decodes one JSON text frame into its typed variant. Frames with an
// unknown type come back with a nil Msg; callers choose whether to drop or
// forward them.
func Parse(data []byte) (Frame, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if probe.Type == "" {
		return Frame{}, ErrMissingType
	}

	frame := Frame{Type: probe.Type, Raw: data}
	var msg any
	switch probe.Type {
	case TypeSelectWorkflow:
		msg = &SelectWorkflow{}
	case TypeSessionConfig:
		msg = &SessionConfig{}
	case TypeTextInput, TypeUserInput:
		msg = &TextInput{}
	case TypeUpdateCredentials:
		msg = &UpdateCredentials{}
	case TypeClearChat:
		msg = &ClearChat{}
	case TypeConnected:
		msg = &Connected{}
	case TypeSessionStart:
		msg = &SessionStart{}
	case TypeTranscript:
		msg = &Transcript{}
	case TypeToolUse:
		msg = &ToolUse{}
	case TypeToolResult:
		msg = &ToolResult{}
	case TypeHandoffEvent:
		msg = &HandoffEvent{}
	case TypeDecisionMade:
		msg = &DecisionMade{}
	case TypeWorkflowUpdate:
		msg = &WorkflowUpdate{}
	case TypeUsage:
		msg = &Usage{}
	case TypeMetadata:
		msg = &Metadata{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeSessionInit:
		msg = &SessionInit{}
	case TypeMemoryUpdate:
		msg = &MemoryUpdate{}
	case TypeStop:
		msg = &Stop{}
	case TypeSessionAck:
		msg = &SessionAck{}
	case TypeHandoffRequest:
		msg = &HandoffRequest{}
	case TypeHandoffFailed:
		msg = &HandoffFailed{}
	case TypeUpdateMemory:
		msg = &UpdateMemory{}
	default:
		return frame, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode %s frame: %w", probe.Type, err)
	}
	frame.Msg = msg
	return frame, nil
}

// IsRawModelEvent reports whether t is a low-level speech-model event type
// (TEXT, AUDIO, CONTENT_START, ...) that leaked through an agent. The
// gateway drops these instead of forwarding them to clients.
func IsRawModelEvent(t Type) bool {
	return len(t) > 0 && t[0] >= 'A' && t[0] <= 'Z'
}

// Encode marshals msg for the wire.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}
