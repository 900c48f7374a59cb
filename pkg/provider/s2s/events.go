package s2s

// Stage labels whether model output is a draft or the committed version.
// The model streams speculative content for latency and may replace it; only
// final content is safe to persist.
type Stage string

const (
	StageSpeculative Stage = "speculative"
	StageFinal       Stage = "final"
)

// StopReason explains why a content block ended.
type StopReason string

const (
	StopEndTurn     StopReason = "END_TURN"
	StopInterrupted StopReason = "INTERRUPTED"
	StopPartialTurn StopReason = "PARTIAL_TURN"
)

// ErrorKind classifies a session error.
type ErrorKind string

const (
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindProtocol   ErrorKind = "protocol"
	ErrorKindModel      ErrorKind = "model"
)

// Event is the sum of everything a voice model session can emit. Consumers
// switch on the concrete type. Delivering all variants on one channel keeps
// cross-stream ordering intact: a ToolUse is seen after the transcript that
// provoked it and before the audio that follows it.
type Event interface {
	isEvent()
}

// AudioOutput carries one chunk of synthesised speech, PCM16 mono
// little-endian at 24kHz.
type AudioOutput struct {
	PCM []byte
}

// Transcript carries recognised user speech or generated assistant text.
type Transcript struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the transcript content for this block.
	Text string

	// IsFinal reports whether this text is committed rather than a draft.
	IsFinal bool

	// TurnID groups transcripts belonging to one model turn.
	TurnID string

	// Stage is the generation stage of the content block.
	Stage Stage
}

// ToolUse is the model requesting a tool invocation. Every emitted
// ToolUseID must eventually be answered with SendToolResult, even when the
// model duplicates a request across speculative and final stages.
type ToolUse struct {
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// ContentStart marks the opening of a model output content block.
type ContentStart struct {
	// Role is "user" or "assistant".
	Role string

	// Type is the block's media kind: "TEXT", "AUDIO", or "TOOL".
	Type string

	// Stage is the generation stage of the block.
	Stage Stage
}

// ContentEnd marks the close of a model output content block.
type ContentEnd struct {
	Role       string
	Type       string
	Stage      Stage
	StopReason StopReason
}

// TurnEnd marks the end of a full model interaction turn.
type TurnEnd struct{}

// Usage carries token accounting reported by the model.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Interruption signals that the model detected the user barging in.
type Interruption struct{}

// SessionError surfaces a model- or transport-level failure. The session may
// or may not survive it; a closed Events channel is the definitive signal.
type SessionError struct {
	Kind    ErrorKind
	Message string
}

func (AudioOutput) isEvent()  {}
func (Transcript) isEvent()   {}
func (ToolUse) isEvent()      {}
func (ContentStart) isEvent() {}
func (ContentEnd) isEvent()   {}
func (TurnEnd) isEvent()      {}
func (Usage) isEvent()        {}
func (Interruption) isEvent() {}
func (SessionError) isEvent() {}
