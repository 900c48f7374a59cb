// Package llm defines the Provider interface for text-completion backends.
//
// Voxgate uses a text LLM for one job: evaluating decision nodes in workflow
// graphs. The interface is deliberately small. Requests are non-streaming,
// carry plain-text messages, and expect short answers, so backends only need
// to map roles and content, not tool calls or multimodal parts.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import (
	"context"

	"github.com/parlorbank/voxgate/pkg/types"
)

// Request carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type Request struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Backends that have no dedicated system slot
	// prepend it as a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Temperature controls output randomness. Decision evaluation runs cold
	// (0.1) so answers stay parseable.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Response is the model's full reply.
type Response struct {
	// Content is the text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage types.Usage
}

// Provider is the abstraction over any text-completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req Request) (*Response, error)
}
