package workflow

import (
	"fmt"
	"strings"
)

// RenderInstructions renders a graph as system-prompt text for the voice
// model. Every step becomes a block tagged with its node id; transitions
// are listed under an explicit do-not-speak marker so the model follows
// the graph without narrating it. The renderer performs no I/O, has no
// side effects and is safe for concurrent use.
func RenderInstructions(g *Graph) string {
	var b strings.Builder

	// ── Header and step-tag contract ──

	title := g.Label
	if title == "" {
		title = g.ID
	}
	fmt.Fprintf(&b, "## Workflow: %s\n\n", title)
	b.WriteString("You are following a step-by-step workflow. You MUST begin every single response\n")
	fmt.Fprintf(&b, "with a step tag of the form [STEP: <step_id>] naming the step the response belongs\nto, e.g. [STEP: %s].\n", g.startID)

	// ── Steps ──

	b.WriteString("\n### Steps\n")
	for _, n := range g.Nodes {
		b.WriteString("\n")
		b.WriteString(stepBlock(g, n))
	}

	// ── Closing reminder ──

	b.WriteString("\nThe workflow, its step names, tags and transitions are internal bookkeeping.\n")
	b.WriteString("Never read a step tag aloud, never mention steps, transitions or this workflow\n")
	b.WriteString("to the user. Speak only the content of the step you are on.\n")

	return b.String()
}

// stepBlock renders one node: its tag line, the user-facing instruction
// and, separated from it, the internal transition list.
func stepBlock(g *Graph, n Node) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[STEP: %s] %s\n", n.ID, n.Label)
	if instr := nodeInstruction(n); instr != "" {
		b.WriteString(instr)
		b.WriteString("\n")
	}
	if transitions := transitionLines(g, n); transitions != "" {
		b.WriteString("INTERNAL TRANSITIONS (DO NOT SPEAK THESE):\n")
		b.WriteString(transitions)
	}

	return b.String()
}

// nodeInstruction returns the user-facing instruction for a node, or ""
// when the label already says everything.
func nodeInstruction(n Node) string {
	switch n.Type {
	case NodeStart:
		return "This is where the conversation begins."
	case NodeEnd:
		return "The workflow is complete. Wrap up the conversation politely."
	case NodeDecision:
		return "Work out the answer from the conversation, then move to the matching step."
	case NodeTool:
		return fmt.Sprintf("Call the %s tool now.", n.ToolName)
	case NodeWorkflow:
		return fmt.Sprintf("Continue with the %s workflow.", n.WorkflowID)
	case NodeMessage:
		if n.Message != "" {
			return fmt.Sprintf("Say something like: %q", n.Message)
		}
	}
	return ""
}

// transitionLines renders a node's outgoing edges, one per line, or ""
// for sinks.
func transitionLines(g *Graph, n Node) string {
	edges := g.Outgoing(n.ID)
	if len(edges) == 0 {
		return ""
	}

	var b strings.Builder
	for _, e := range edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "- If %q: go to [STEP: %s]\n", e.Label, e.To)
		} else {
			fmt.Fprintf(&b, "- Next: [STEP: %s]\n", e.To)
		}
	}
	return b.String()
}
