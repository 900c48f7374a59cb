// Package mock provides an in-memory test double for [tools.Invoker].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. The zero value behaves like
// a backend that knows no tools.
package mock

import (
	"context"
	"sync"

	"github.com/parlorbank/voxgate/internal/tools"
	"github.com/parlorbank/voxgate/pkg/types"
)

// Compile-time assertion that Invoker satisfies the [tools.Invoker] interface.
var _ tools.Invoker = (*Invoker)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Invoker is a configurable test double for [tools.Invoker].
type Invoker struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// Results maps tool names to the Result returned by [Invoker.Execute].
	// Tools without an entry fall back to ExecuteResult, then to a
	// NotFound failure.
	Results map[string]tools.Result

	// ExecuteResult is returned by [Invoker.Execute] for tools without a
	// Results entry when non-nil.
	ExecuteResult *tools.Result

	// ListResult is returned by [Invoker.List].
	ListResult []types.ToolDefinition

	// ListErr is returned by [Invoker.List] when non-nil.
	ListErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Invoker) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Invoker) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ExecuteCount returns how many times the named tool was executed.
func (m *Invoker) ExecuteCount(toolName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == "Execute" && len(c.Args) > 0 && c.Args[0] == toolName {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Invoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Execute implements [tools.Invoker].
func (m *Invoker) Execute(_ context.Context, toolName string, input map[string]any) tools.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Execute", Args: []any{toolName, input}})
	if res, ok := m.Results[toolName]; ok {
		return res
	}
	if m.ExecuteResult != nil {
		return *m.ExecuteResult
	}
	return tools.Failure(tools.KindNotFound, "tool %q not configured", toolName)
}

// List implements [tools.Invoker].
func (m *Invoker) List(context.Context) ([]types.ToolDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "List"})
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]types.ToolDefinition, len(m.ListResult))
	copy(out, m.ListResult)
	return out, nil
}
