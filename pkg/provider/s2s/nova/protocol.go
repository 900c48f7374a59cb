package nova

import (
	"encoding/json"
	"fmt"

	"github.com/parlorbank/voxgate/pkg/types"
)

// The Nova Sonic protocol is a stream of JSON documents, each a single-key
// object under an "event" envelope. Input and output use disjoint event
// vocabularies, so the two directions get separate envelope types.

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type clientEnvelope struct {
	Event clientEvent `json:"event"`
}

// clientEvent has exactly one field set per document.
type clientEvent struct {
	SessionStart *sessionStartEvent `json:"sessionStart,omitempty"`
	PromptStart  *promptStartEvent  `json:"promptStart,omitempty"`
	ContentStart *contentStartEvent `json:"contentStart,omitempty"`
	TextInput    *textInputEvent    `json:"textInput,omitempty"`
	AudioInput   *audioInputEvent   `json:"audioInput,omitempty"`
	ToolResult   *toolResultEvent   `json:"toolResult,omitempty"`
	ContentEnd   *contentEndEvent   `json:"contentEnd,omitempty"`
	PromptEnd    *promptEndEvent    `json:"promptEnd,omitempty"`
	SessionEnd   *sessionEndEvent   `json:"sessionEnd,omitempty"`
}

type sessionStartEvent struct {
	InferenceConfiguration inferenceConfiguration `json:"inferenceConfiguration"`
}

type inferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type promptStartEvent struct {
	PromptName               string              `json:"promptName"`
	TextOutputConfiguration  mediaConfiguration  `json:"textOutputConfiguration"`
	AudioOutputConfiguration audioOutputConfig   `json:"audioOutputConfiguration"`
	ToolUseOutputConfig      *mediaConfiguration `json:"toolUseOutputConfiguration,omitempty"`
	ToolConfiguration        *toolConfiguration  `json:"toolConfiguration,omitempty"`
}

type mediaConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioOutputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type audioInputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

type toolConfiguration struct {
	ToolChoice *toolChoice `json:"toolChoice,omitempty"`
	Tools      []toolEntry `json:"tools"`
}

// toolChoice biases tool selection. Exactly one field is set.
type toolChoice struct {
	Auto *struct{}  `json:"auto,omitempty"`
	Any  *struct{}  `json:"any,omitempty"`
	Tool *namedTool `json:"tool,omitempty"`
}

type namedTool struct {
	Name string `json:"name"`
}

type toolEntry struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema toolSchema `json:"inputSchema"`
}

// toolSchema carries the JSON schema as a string, per the wire format.
type toolSchema struct {
	JSON string `json:"json"`
}

type contentStartEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Type        string `json:"type"`
	Interactive bool   `json:"interactive"`
	Role        string `json:"role"`

	TextInputConfiguration  *mediaConfiguration    `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *audioInputConfig      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfig   *toolResultInputConfig `json:"toolResultInputConfiguration,omitempty"`
}

type toolResultInputConfig struct {
	ToolUseID              string             `json:"toolUseId"`
	Type                   string             `json:"type"`
	TextInputConfiguration mediaConfiguration `json:"textInputConfiguration"`
}

type textInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type audioInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"` // base64 PCM16
}

type toolResultEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"` // JSON document as a string
	Status      string `json:"status,omitempty"`
}

type contentEndEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptEndEvent struct {
	PromptName string `json:"promptName"`
}

type sessionEndEvent struct{}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEnvelope struct {
	Event serverEvent `json:"event"`
}

type serverEvent struct {
	CompletionStart *completionStartEvent `json:"completionStart,omitempty"`
	ContentStart    *serverContentStart   `json:"contentStart,omitempty"`
	TextOutput      *textOutputEvent      `json:"textOutput,omitempty"`
	AudioOutput     *audioOutputEvent     `json:"audioOutput,omitempty"`
	ToolUse         *toolUseEvent         `json:"toolUse,omitempty"`
	ContentEnd      *serverContentEnd     `json:"contentEnd,omitempty"`
	CompletionEnd   *completionEndEvent   `json:"completionEnd,omitempty"`
	UsageEvent      *usageEvent           `json:"usageEvent,omitempty"`
	ModelError      *modelErrorEvent      `json:"modelStreamErrorException,omitempty"`
	InternalError   *modelErrorEvent      `json:"internalServerException,omitempty"`
}

type completionStartEvent struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
}

type serverContentStart struct {
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Type         string `json:"type"`
	Role         string `json:"role"`

	// AdditionalModelFields is a JSON string holding generationStage.
	AdditionalModelFields string `json:"additionalModelFields,omitempty"`
}

// generationStageFields decodes the additionalModelFields document.
type generationStageFields struct {
	GenerationStage string `json:"generationStage"`
}

type textOutputEvent struct {
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
}

type audioOutputEvent struct {
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Content      string `json:"content"` // base64 PCM16 at 24kHz
}

type toolUseEvent struct {
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	ToolUseID    string `json:"toolUseId"`
	ToolName     string `json:"toolName"`
	Content      string `json:"content"` // JSON document as a string
}

type serverContentEnd struct {
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Type         string `json:"type"`
	StopReason   string `json:"stopReason"`
}

type completionEndEvent struct {
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason"`
}

type usageEvent struct {
	CompletionID      string `json:"completionId"`
	TotalInputTokens  int    `json:"totalInputTokens"`
	TotalOutputTokens int    `json:"totalOutputTokens"`
	TotalTokens       int    `json:"totalTokens"`
}

type modelErrorEvent struct {
	Message string `json:"message"`
}

// ── Encoding helpers ──────────────────────────────────────────────────────────

func encodeEvent(ev clientEvent) ([]byte, error) {
	buf, err := json.Marshal(clientEnvelope{Event: ev})
	if err != nil {
		return nil, fmt.Errorf("nova: encode event: %w", err)
	}
	return buf, nil
}

// encodeTools converts tool definitions to the wire's string-schema form.
func encodeTools(defs []types.ToolDefinition) ([]toolEntry, error) {
	entries := make([]toolEntry, 0, len(defs))
	for _, d := range defs {
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("nova: encode schema for tool %q: %w", d.Name, err)
		}
		entries = append(entries, toolEntry{
			ToolSpec: toolSpec{
				Name:        d.Name,
				Description: d.Description,
				InputSchema: toolSchema{JSON: string(raw)},
			},
		})
	}
	return entries, nil
}

// encodeToolChoice maps the configured choice string to the wire union.
func encodeToolChoice(choice string) *toolChoice {
	switch choice {
	case "":
		return nil
	case "auto":
		return &toolChoice{Auto: &struct{}{}}
	case "any":
		return &toolChoice{Any: &struct{}{}}
	default:
		return &toolChoice{Tool: &namedTool{Name: choice}}
	}
}
