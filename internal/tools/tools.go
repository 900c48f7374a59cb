// Package tools defines the uniform tool-invocation surface shared by every
// agent runtime.
//
// Backends live in subpackages: rest speaks the tool service's HTTP contract,
// mcp speaks the Model Context Protocol, and mock is the test double.
// Cross-cutting behavior that every backend must get — per-tool field
// remapping and result-size capping — lives here instead.
package tools

import (
	"context"
	"fmt"

	"github.com/parlorbank/voxgate/pkg/types"
)

// Kind classifies a failed tool execution.
type Kind string

const (
	// KindNotFound means the backend does not know the requested tool.
	KindNotFound Kind = "NotFound"

	// KindUnauthorized means the backend rejected the caller's credentials.
	KindUnauthorized Kind = "Unauthorized"

	// KindUpstream means the backend reached the tool but it failed.
	KindUpstream Kind = "Upstream"

	// KindTimeout means the call exceeded its deadline.
	KindTimeout Kind = "Timeout"

	// KindMalformed means the request or response could not be decoded.
	KindMalformed Kind = "Malformed"

	// KindHandoffBlocked is produced by the agent runtime, never by a
	// backend: a second handoff tool fired in a turn that already
	// dispatched one.
	KindHandoffBlocked Kind = "MultipleHandoffBlocked"
)

// Result is the outcome of a single tool execution. Failures travel inside
// the Result rather than as a Go error so one tool outage can never tear
// down the session that requested it.
type Result struct {
	// Success reports whether the tool executed and returned a value.
	Success bool `json:"success"`

	// Value is the tool's decoded response payload. Set only on success.
	Value any `json:"result,omitempty"`

	// Kind classifies the failure. Empty on success.
	Kind Kind `json:"errorKind,omitempty"`

	// Message is a human-readable description of the failure. Empty on
	// success.
	Message string `json:"message,omitempty"`
}

// OK builds a successful Result.
func OK(value any) Result {
	return Result{Success: true, Value: value}
}

// Failure builds a failed Result.
func Failure(kind Kind, format string, args ...any) Result {
	return Result{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Invoker executes tools against some backend.
//
// Implementations must be safe for concurrent use: one agent runtime may
// dispatch several tool calls from overlapping turns.
type Invoker interface {
	// Execute runs the named tool with the given arguments. The call is
	// bounded by the backend's configured timeout; ctx may shorten it
	// further. All failures are reported inside the Result.
	Execute(ctx context.Context, toolName string, input map[string]any) Result

	// List returns the tool catalogue the backend currently offers.
	List(ctx context.Context) ([]types.ToolDefinition, error)
}
