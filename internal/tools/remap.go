package tools

import (
	"context"

	"github.com/parlorbank/voxgate/pkg/types"
)

// Compile-time assertion that Remapper satisfies the [Invoker] interface.
var _ Invoker = (*Remapper)(nil)

// Remapper renames request fields per tool before the backend sees them and
// restores the internal names in object-shaped responses on the way back.
// Tools without a remap entry pass through untouched.
//
// The voice model is prompted with the system-internal field names (for
// example accountNumber), while a backend may expect its own (accountId);
// the remap table keeps that difference out of both the prompts and the
// backends.
type Remapper struct {
	next Invoker

	// fields maps toolName → internal field name → backend field name.
	fields map[string]map[string]string
}

// NewRemapper wraps next with the given remap table. A nil or empty table
// yields a pure pass-through.
func NewRemapper(next Invoker, fields map[string]map[string]string) *Remapper {
	return &Remapper{next: next, fields: fields}
}

// Execute implements [Invoker].
func (r *Remapper) Execute(ctx context.Context, toolName string, input map[string]any) Result {
	mapping := r.fields[toolName]
	if len(mapping) == 0 {
		return r.next.Execute(ctx, toolName, input)
	}

	res := r.next.Execute(ctx, toolName, rename(input, mapping))
	if !res.Success {
		return res
	}
	if obj, ok := res.Value.(map[string]any); ok {
		res.Value = rename(obj, invert(mapping))
	}
	return res
}

// List implements [Invoker].
func (r *Remapper) List(ctx context.Context) ([]types.ToolDefinition, error) {
	return r.next.List(ctx)
}

func rename(obj map[string]any, mapping map[string]string) map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if renamed, ok := mapping[k]; ok {
			k = renamed
		}
		out[k] = v
	}
	return out
}

func invert(mapping map[string]string) map[string]string {
	out := make(map[string]string, len(mapping))
	for k, v := range mapping {
		out[v] = k
	}
	return out
}
