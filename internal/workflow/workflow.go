// Package workflow loads and walks the declarative conversation graphs that
// drive each agent.
//
// A graph is immutable after [Parse]. The [Engine] tracks a session's
// position on one graph; enforcement is advisory — the voice model reports
// the step it is on and the engine records it, flagging transitions the
// graph does not permit without blocking them.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// NodeType discriminates the kinds of workflow nodes.
type NodeType string

const (
	// NodeStart is the single entry point of a graph.
	NodeStart NodeType = "start"

	// NodeEnd terminates the workflow. End nodes are sinks.
	NodeEnd NodeType = "end"

	// NodeDecision branches on a question answered by the reasoning model.
	NodeDecision NodeType = "decision"

	// NodeTool instructs the agent to call a named tool.
	NodeTool NodeType = "tool"

	// NodeWorkflow continues in a named sub-workflow.
	NodeWorkflow NodeType = "workflow"

	// NodeProcess is a generic instruction step.
	NodeProcess NodeType = "process"

	// NodeMessage is a step with a suggested utterance.
	NodeMessage NodeType = "message"
)

// IsValid reports whether t is a recognised node type.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeStart, NodeEnd, NodeDecision, NodeTool, NodeWorkflow, NodeProcess, NodeMessage:
		return true
	}
	return false
}

// Node is a single step in a workflow graph.
type Node struct {
	ID    string   `json:"id"`
	Type  NodeType `json:"type"`
	Label string   `json:"label,omitempty"`

	// ToolName names the tool to call. Required on tool nodes.
	ToolName string `json:"toolName,omitempty"`

	// WorkflowID names the sub-workflow to continue in. Required on
	// workflow nodes.
	WorkflowID string `json:"workflowId,omitempty"`

	// Message is the suggested utterance for message nodes.
	Message string `json:"message,omitempty"`
}

// Edge is a directed transition between two nodes. Edges out of decision
// nodes carry the answer they represent in Label.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Graph is one workflow: a set of nodes and the directed edges between them.
type Graph struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// indexes built by Validate.
	byID    map[string]Node
	out     map[string][]Edge
	startID string
}

// Parse decodes and validates a workflow graph.
func Parse(raw []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("workflow: decode graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks the structural rules and builds the lookup indexes every
// other method relies on. [Parse] calls it automatically; call it directly
// only on hand-assembled graphs.
//
// Rules: a non-empty id; unique, non-empty node ids with valid types; edges
// that reference existing nodes; exactly one start node; end nodes are
// sinks; decision nodes have at least two outgoing edges, each labeled;
// tool nodes name a tool and workflow nodes name a sub-workflow.
func (g *Graph) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if g.ID == "" {
		fail("workflow id is required")
	}
	if len(g.Nodes) == 0 {
		fail("workflow %q has no nodes", g.ID)
	}

	g.byID = make(map[string]Node, len(g.Nodes))
	g.startID = ""
	for i, n := range g.Nodes {
		if n.ID == "" {
			fail("workflow %q: node %d has no id", g.ID, i)
			continue
		}
		if _, dup := g.byID[n.ID]; dup {
			fail("workflow %q: duplicate node id %q", g.ID, n.ID)
			continue
		}
		g.byID[n.ID] = n

		switch {
		case !n.Type.IsValid():
			fail("workflow %q: node %q has unknown type %q", g.ID, n.ID, n.Type)
		case n.Type == NodeStart:
			if g.startID != "" {
				fail("workflow %q: more than one start node (%q and %q)", g.ID, g.startID, n.ID)
			}
			g.startID = n.ID
		case n.Type == NodeTool && n.ToolName == "":
			fail("workflow %q: tool node %q names no tool", g.ID, n.ID)
		case n.Type == NodeWorkflow && n.WorkflowID == "":
			fail("workflow %q: workflow node %q names no sub-workflow", g.ID, n.ID)
		}
	}
	if g.startID == "" && len(g.Nodes) > 0 {
		fail("workflow %q has no start node", g.ID)
	}

	g.out = make(map[string][]Edge, len(g.Nodes))
	for i, e := range g.Edges {
		if _, ok := g.byID[e.From]; !ok {
			fail("workflow %q: edge %d starts at unknown node %q", g.ID, i, e.From)
			continue
		}
		if _, ok := g.byID[e.To]; !ok {
			fail("workflow %q: edge %d ends at unknown node %q", g.ID, i, e.To)
			continue
		}
		g.out[e.From] = append(g.out[e.From], e)
	}

	for _, n := range g.Nodes {
		outgoing := g.out[n.ID]
		switch n.Type {
		case NodeEnd:
			if len(outgoing) > 0 {
				fail("workflow %q: end node %q has outgoing edges", g.ID, n.ID)
			}
		case NodeDecision:
			if len(outgoing) < 2 {
				fail("workflow %q: decision node %q needs at least two outgoing edges, has %d", g.ID, n.ID, len(outgoing))
			}
			for _, e := range outgoing {
				if e.Label == "" {
					fail("workflow %q: decision edge %q→%q has no label", g.ID, e.From, e.To)
				}
			}
		}
	}

	return errors.Join(errs...)
}

// Start returns the graph's entry node.
func (g *Graph) Start() Node {
	return g.byID[g.startID]
}

// NodeByID returns the named node.
func (g *Graph) NodeByID(id string) (Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Outgoing returns the edges leaving the named node, in declaration order.
func (g *Graph) Outgoing(id string) []Edge {
	return slices.Clone(g.out[id])
}

// NextNodes returns the nodes one edge away from the named node.
func (g *Graph) NextNodes(id string) []Node {
	edges := g.out[id]
	out := make([]Node, 0, len(edges))
	for _, e := range edges {
		if n, ok := g.byID[e.To]; ok {
			out = append(out, n)
		}
	}
	return out
}

// HasEdge reports whether a direct edge from→to exists.
func (g *Graph) HasEdge(from, to string) bool {
	for _, e := range g.out[from] {
		if e.To == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from over one or more
// edges.
func (g *Graph) Reachable(from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if e.To == to {
				return true
			}
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}
