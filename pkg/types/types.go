// Package types defines the shared types used across all voxgate packages.
//
// These types form the lingua franca between the gateway, the agent runtime,
// the model providers and the memory layer. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

// Conversation roles. These match the role strings used on the wire by both
// the speech model and the reasoning model, so no translation layer is needed.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentType discriminates what a conversation message carries.
type ContentType string

const (
	// ContentText is plain conversational text.
	ContentText ContentType = "text"

	// ContentToolUse records a tool invocation requested by the model.
	ContentToolUse ContentType = "toolUse"

	// ContentToolResult records the outcome returned for a tool invocation.
	ContentToolResult ContentType = "toolResult"
)

// Message is a single entry in an agent's conversation history.
//
// Text messages carry only Role and Content. Tool interactions are recorded
// as a toolUse/toolResult pair whose payload lives in Meta; Content then holds
// a short rendering used when the history is replayed into a text prompt.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content,omitempty"`

	// Meta is set for toolUse and toolResult messages, nil for plain text.
	Meta *MessageMeta `json:"meta,omitempty"`
}

// MessageMeta carries the structured payload of a tool interaction message.
type MessageMeta struct {
	// Type is [ContentToolUse] or [ContentToolResult].
	Type ContentType `json:"type"`

	// ToolUseID links a result back to the invocation that produced it.
	ToolUseID string `json:"toolUseId,omitempty"`

	// ToolName is the invoked tool.
	ToolName string `json:"toolName,omitempty"`

	// Input holds the invocation arguments for toolUse messages.
	Input map[string]any `json:"input,omitempty"`

	// Result holds the tool outcome for toolResult messages.
	Result any `json:"result,omitempty"`

	// Status is "success" or "error" on toolResult messages.
	Status string `json:"status,omitempty"`
}

// Text builds a plain conversation message.
func Text(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ToolUseMessage records a tool invocation in the history.
func ToolUseMessage(call ToolCall) Message {
	return Message{
		Role:    RoleAssistant,
		Content: "[tool call: " + call.ToolName + "]",
		Meta: &MessageMeta{
			Type:      ContentToolUse,
			ToolUseID: call.ToolUseID,
			ToolName:  call.ToolName,
			Input:     call.Input,
		},
	}
}

// ToolResultMessage records a tool outcome in the history.
func ToolResultMessage(toolUseID, toolName string, result any, status string) Message {
	return Message{
		Role:    RoleUser,
		Content: "[tool result: " + toolName + "]",
		Meta: &MessageMeta{
			Type:      ContentToolResult,
			ToolUseID: toolUseID,
			ToolName:  toolName,
			Result:    result,
			Status:    status,
		},
	}
}

// ToolCall is a tool invocation requested by a model.
type ToolCall struct {
	// ToolUseID is the model-assigned identifier for this invocation.
	// The speech model may emit several ids for the same logical call
	// when it speculates; every id still expects a result.
	ToolUseID string `json:"toolUseId"`

	// ToolName is the tool's unique name.
	ToolName string `json:"toolName"`

	// Input is the decoded invocation arguments.
	Input map[string]any `json:"input,omitempty"`
}

// ToolDefinition describes a tool offered to a model.
type ToolDefinition struct {
	// Name is the tool's unique name.
	Name string `json:"name"`

	// Description explains what the tool does. Included verbatim in prompts.
	Description string `json:"description"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Usage reports token consumption for one model exchange.
type Usage struct {
	// InputTokens consumed by the prompt (speech and text combined).
	InputTokens int `json:"inputTokens"`

	// OutputTokens produced by the model.
	OutputTokens int `json:"outputTokens"`

	// TotalTokens is the provider-reported total. May exceed the sum of
	// the other two when the provider bills system overhead separately.
	TotalTokens int `json:"totalTokens"`
}
