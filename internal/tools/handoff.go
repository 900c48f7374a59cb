package tools

import (
	"fmt"
	"strings"

	"github.com/parlorbank/voxgate/pkg/types"
)

// Handoff tools are never executed by a backend: the agent runtime intercepts
// them, answers the model with a success stub, and asks the gateway to move
// the session. They still need catalog entries so the model can call them.

const (
	// HandoffPrefix begins every specialist transfer tool name; the suffix
	// names the target capability (transfer_to_banking → "banking").
	HandoffPrefix = "transfer_to_"

	// ReturnToTriage hands the caller back to the triage agent.
	ReturnToTriage = "return_to_triage"
)

// IsHandoff reports whether toolName is a handoff tool.
func IsHandoff(toolName string) bool {
	return toolName == ReturnToTriage || strings.HasPrefix(toolName, HandoffPrefix)
}

// HandoffTarget extracts the capability a handoff tool routes to: "banking"
// from transfer_to_banking, "triage" from return_to_triage. ok is false when
// toolName is not a handoff tool.
func HandoffTarget(toolName string) (target string, ok bool) {
	if toolName == ReturnToTriage {
		return "triage", true
	}
	if t, found := strings.CutPrefix(toolName, HandoffPrefix); found && t != "" {
		return t, true
	}
	return "", false
}

// TransferTool builds the catalog entry for a transfer to the named target
// capability.
func TransferTool(target string) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        HandoffPrefix + target,
		Description: fmt.Sprintf("Transfer the caller to the %s specialist.", target),
		InputSchema: handoffInputSchema(),
	}
}

// ReturnToTriageTool builds the catalog entry for the return_to_triage tool.
func ReturnToTriageTool() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        ReturnToTriage,
		Description: "Return the caller to the triage agent, for example when their request is outside your remit.",
		InputSchema: handoffInputSchema(),
	}
}

func handoffInputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Short reason for the transfer.",
			},
		},
	}
}
