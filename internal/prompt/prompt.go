// Package prompt composes the system prompt an agent sends to its voice
// session.
//
// A prompt has up to four parts, always in this order: what is already known
// about the caller, the persona's own text, the transfer tools the agent may
// call, and the workflow instructions. The runtime nudges the model with
// hidden injections later in the session; everything here is the opening
// state.
package prompt

import (
	"fmt"
	"strings"

	"github.com/parlorbank/voxgate/internal/workflow"
	"github.com/parlorbank/voxgate/pkg/memory"
	"github.com/parlorbank/voxgate/pkg/types"
)

// Compose builds the system prompt from its four parts. The part order is
// fixed; callers cannot reorder it. The composer is pure: no I/O, no side
// effects, safe for concurrent use.
//
// Empty parts (nothing known about the caller, blank persona text, no
// handoff tools, nil graph) are omitted entirely rather than rendering as
// empty headers.
func Compose(mem memory.SessionMemory, personaPrompt string, handoffs []types.ToolDefinition, graph *workflow.Graph) string {
	var sb strings.Builder

	// ── Caller context ──

	if section := callerContext(mem); section != "" {
		sb.WriteString("## Caller Context\n")
		sb.WriteString(section)
	}

	// ── Persona ──

	if p := strings.TrimSpace(personaPrompt); p != "" {
		joinPart(&sb)
		sb.WriteString(p)
	}

	// ── Handoff tools ──

	if section := handoffSection(handoffs); section != "" {
		joinPart(&sb)
		sb.WriteString("## Transferring the Caller\n")
		sb.WriteString(section)
	}

	// ── Workflow instructions ──

	if graph != nil {
		joinPart(&sb)
		sb.WriteString(workflow.RenderInstructions(graph))
	}

	return sb.String()
}

func joinPart(sb *strings.Builder) {
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
}

// callerContext renders what the session already knows about the caller.
// Identity fields appear only once the caller is verified; before that the
// model must not treat extracted values as established facts.
func callerContext(mem memory.SessionMemory) string {
	if len(mem) == 0 {
		return ""
	}
	var lines []string

	if mem.Verified() {
		lines = append(lines, "The caller has already passed identity verification. Do not verify them again.")
		if v := mem.UserName(); v != "" {
			lines = append(lines, fmt.Sprintf("Caller name: %s", v))
		}
		if v := mem.Account(); v != "" {
			lines = append(lines, fmt.Sprintf("Account number: %s", v))
		}
		if v := mem.SortCode(); v != "" {
			lines = append(lines, fmt.Sprintf("Sort code: %s", displaySortCode(v)))
		}
	}
	if v := mem.UserIntent(); v != "" {
		lines = append(lines, fmt.Sprintf("Stated intent: %s", v))
	}
	if ph, ok := mem.PendingHandoff(); ok && ph.Reason != "" {
		lines = append(lines, fmt.Sprintf("The caller was transferred to you. Reason: %s", ph.Reason))
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// displaySortCode renders six bare digits in the conventional XX-XX-XX form.
// Anything already separated, or not six characters, passes through.
func displaySortCode(code string) string {
	if len(code) != 6 {
		return code
	}
	return code[0:2] + "-" + code[2:4] + "-" + code[4:6]
}

// handoffSection enumerates the transfer tools, one per line, with a closing
// instruction that keeps the mechanics out of the conversation.
func handoffSection(defs []types.ToolDefinition) string {
	if len(defs) == 0 {
		return ""
	}
	var sb strings.Builder

	sb.WriteString("You can move the caller to another specialist by calling one of these tools:\n")
	for _, d := range defs {
		if d.Description != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		} else {
			fmt.Fprintf(&sb, "- %s\n", d.Name)
		}
	}
	sb.WriteString("Call the tool directly. Never mention tool names or describe the transfer mechanics to the caller.")

	return sb.String()
}
