package workflow

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// Transition is the outcome of one [Engine.Update].
type Transition struct {
	// Previous is the node the session was on before the update.
	Previous string

	// Current is the node the session is on after the update.
	Current string

	// Node describes the current node.
	Node Node

	// ValidTransition reports whether the graph permits the move. The
	// move is applied either way.
	ValidTransition bool

	// Err is set when the update could not be applied at all, e.g. for a
	// node the graph does not contain. Current is unchanged in that case.
	Err error
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger used to flag off-graph transitions.
// Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine tracks one session's position on a single graph. It is safe for
// concurrent use.
//
// Enforcement is advisory: the voice model decides which step it is on, the
// engine records the move and reports whether the graph actually permits
// it. Off-graph moves are logged, never blocked.
type Engine struct {
	graph  *Graph
	logger *slog.Logger

	mu      sync.Mutex
	current string
	context map[string]any
}

// NewEngine binds an engine to a validated graph, positioned on the start
// node.
func NewEngine(g *Graph, opts ...Option) *Engine {
	e := &Engine{
		graph:   g,
		logger:  slog.Default(),
		current: g.startID,
		context: map[string]any{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the graph the engine is bound to.
func (e *Engine) Graph() *Graph { return e.graph }

// Reset moves the session back to the start node and clears the
// accumulated context.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = e.graph.startID
	e.context = map[string]any{}
}

// Update records that the session moved to nodeID and merges contextPatch
// into the graph context. The move is applied even when the graph has no
// matching edge; ValidTransition reports the mismatch and the engine logs
// it. Staying on the current node is always valid, and any node reachable
// from the start node is a valid first move.
func (e *Engine) Update(nodeID string, contextPatch map[string]any) Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.current
	node, ok := e.graph.NodeByID(nodeID)
	if !ok {
		e.logger.Warn("workflow step update for unknown node",
			"workflow", e.graph.ID, "node", nodeID, "current", prev)
		cur, _ := e.graph.NodeByID(prev)
		return Transition{
			Previous: prev,
			Current:  prev,
			Node:     cur,
			Err:      fmt.Errorf("workflow %q: unknown node %q", e.graph.ID, nodeID),
		}
	}

	valid := nodeID == prev || e.graph.HasEdge(prev, nodeID)
	if !valid && prev == e.graph.startID {
		valid = e.graph.Reachable(prev, nodeID)
	}
	if !valid {
		e.logger.Warn("workflow transition not on the graph",
			"workflow", e.graph.ID, "from", prev, "to", nodeID)
	}

	e.current = nodeID
	for k, v := range contextPatch {
		e.context[k] = v
	}

	return Transition{
		Previous:        prev,
		Current:         nodeID,
		Node:            node,
		ValidTransition: valid,
	}
}

// Restore places the engine on a previously persisted position, replacing
// the accumulated context. Used when a session reattaches or is handed
// over mid-workflow.
func (e *Engine) Restore(nodeID string, context map[string]any) error {
	if _, ok := e.graph.NodeByID(nodeID); !ok {
		return fmt.Errorf("workflow %q: restore to unknown node %q", e.graph.ID, nodeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = nodeID
	e.context = maps.Clone(context)
	if e.context == nil {
		e.context = map[string]any{}
	}
	return nil
}

// Current returns the node the session is on.
func (e *Engine) Current() Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, _ := e.graph.NodeByID(e.current)
	return n
}

// NextNodes returns the nodes the graph permits as the session's next
// step.
func (e *Engine) NextNodes() []Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.NextNodes(e.current)
}

// Outgoing returns the edges leaving the current node, in declaration
// order. Decision evaluation presents their labels as the permitted
// answers.
func (e *Engine) Outgoing() []Edge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Outgoing(e.current)
}

// Context returns a copy of the accumulated graph context.
func (e *Engine) Context() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.context)
}
