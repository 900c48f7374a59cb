// Package s2s defines the Session interface for speech-to-speech backends.
//
// An S2S session wraps a real-time voice model that accepts raw audio and
// text input and produces synthesised audio, transcripts, and tool calls in a
// single stateful stream, bypassing the separate STT → LLM → TTS pipeline
// entirely. Sessions are long-lived (the life of one caller conversation) and
// support mid-session system prompt updates.
//
// All inbound traffic is delivered as a typed [Event] sum on one channel, so
// consumers see audio, transcripts, and tool calls in the exact order the
// model produced them. Outbound traffic flows through a bounded priority
// queue ([InputQueue]): tool results beat text, text beats audio, and
// overflow sheds the oldest audio first.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/parlorbank/voxgate/pkg/types"
)

// SessionConfig is the configuration applied before a session starts.
type SessionConfig struct {
	// SystemPrompt defines the agent's persona, rules, and workflow
	// instructions. Sent as the first content block of the session.
	SystemPrompt string

	// VoiceID selects the synthesised voice.
	VoiceID string

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition

	// ToolChoice optionally biases tool selection ("auto", "any", or a tool
	// name). Backends that cannot express it ignore it.
	ToolChoice string
}

// Session represents one bidirectional voice model connection.
//
// The session is the hot path of the voice pipeline; every method must
// return quickly. Callers must drain [Session.Events] promptly and must call
// [Session.Stop] when the session is no longer needed.
type Session interface {
	// Configure stores the session configuration. Must be called before
	// Start; calling it afterwards returns an error.
	Configure(cfg SessionConfig) error

	// Start opens the stream and emits the framing the model requires before
	// it accepts input. sessionID becomes the stream's prompt identifier.
	Start(ctx context.Context, sessionID string) error

	// SendAudio enqueues a raw PCM16 chunk (16kHz mono little-endian) for
	// delivery. It never blocks; under back-pressure the oldest queued audio
	// is dropped first.
	SendAudio(pcm []byte) error

	// SendText enqueues a user text turn. Identical text within the debounce
	// window is dropped, except for known filler phrases.
	SendText(text string) error

	// SendToolResult enqueues the result for a tool call the model issued.
	// Tool results jump the queue ahead of pending text and audio.
	SendToolResult(toolUseID string, payload map[string]any, isError bool) error

	// UpdateSystemPrompt queues a system prompt change. It is applied by
	// prepending a [SYSTEM_UPDATE] line to the next user text or tool result
	// turn, because the model has no in-band reconfiguration event.
	UpdateSystemPrompt(text string) error

	// Stop flushes pending input, closes the model-side content blocks, and
	// waits briefly for the stream to drain before tearing down. After Stop
	// returns, the Events channel is closed.
	Stop(ctx context.Context) error

	// Events returns the channel carrying every inbound [Event]. The channel
	// is closed when the session ends for any reason; check [Session.Err]
	// afterwards to distinguish clean shutdown from failure.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly.
	Err() error
}
