// Package decision resolves workflow decision nodes.
//
// When a session lands on a decision node the runtime asks the [Evaluator]
// which outgoing edge to take. The evaluator describes the branch to the
// text reasoning model and maps its answer back onto an edge label. The
// model can fail or answer off-script; the evaluator always returns a
// usable outcome so the workflow keeps moving.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/parlorbank/voxgate/internal/workflow"
	"github.com/parlorbank/voxgate/pkg/provider/llm"
	"github.com/parlorbank/voxgate/pkg/types"
)

const (
	// DefaultTimeout bounds one evaluation round trip.
	DefaultTimeout = 5 * time.Second

	// DefaultHistoryLimit is how many trailing conversation messages the
	// model sees.
	DefaultHistoryLimit = 5

	// Decisions run cold and short: the answer is one edge label.
	temperature = 0.1
	maxTokens   = 64
)

// Confidence levels by how the answer was matched.
const (
	confidenceExact     = 1.0
	confidenceSubstring = 0.7
	confidenceFallback  = 0.25
)

// Outcome is the result of evaluating one decision node. There is always a
// chosen path; Success reports whether it reflects the model's answer or a
// fallback.
type Outcome struct {
	Success         bool
	ChosenPathLabel string
	TargetNodeID    string

	// Confidence is 1.0 for an exact label match, lower for substring
	// matches and fallbacks.
	Confidence float64

	// Reasoning is a short account of how the path was chosen.
	Reasoning string
}

// State is the session context a decision is made against.
type State struct {
	// Context is the workflow engine's accumulated context.
	Context map[string]any

	// History is the conversation so far. Only the trailing messages are
	// shown to the model.
	History []types.Message
}

// Option configures an [Evaluator].
type Option func(*Evaluator)

// WithLogger sets the evaluator's logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTimeout bounds one evaluation. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithHistoryLimit sets how many trailing messages the model sees.
func WithHistoryLimit(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.history = n
		}
	}
}

// Evaluator picks outgoing edges for decision nodes. Safe for concurrent
// use.
type Evaluator struct {
	provider llm.Provider
	logger   *slog.Logger
	timeout  time.Duration
	history  int
}

// NewEvaluator builds an evaluator on top of a text completion provider.
func NewEvaluator(provider llm.Provider, opts ...Option) *Evaluator {
	e := &Evaluator{
		provider: provider,
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
		history:  DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate chooses one of the node's outgoing edges. A single edge is
// taken without consulting the model. Model errors and unparseable
// answers fall back to the first edge with Success=false; enforcement is
// advisory, so the workflow moves either way.
func (e *Evaluator) Evaluate(ctx context.Context, node workflow.Node, edges []workflow.Edge, state State) Outcome {
	if len(edges) == 0 {
		return Outcome{Reasoning: "node has no outgoing edges"}
	}
	if len(edges) == 1 {
		return Outcome{
			Success:         true,
			ChosenPathLabel: edges[0].Label,
			TargetNodeID:    edges[0].To,
			Confidence:      confidenceExact,
			Reasoning:       "single outgoing path; no evaluation needed",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(ctx, llm.Request{
		SystemPrompt: "You decide the next step in a customer-service workflow. Reply with exactly one of the permitted answers and nothing else.",
		Messages:     []types.Message{types.Text(types.RoleUser, buildPrompt(node, edges, state, e.history))},
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil || resp == nil {
		e.logger.Warn("decision evaluation failed, taking the first path",
			"node", node.ID, "error", err)
		return Outcome{
			ChosenPathLabel: edges[0].Label,
			TargetNodeID:    edges[0].To,
			Reasoning:       fmt.Sprintf("reasoner unavailable (%v); defaulted to the first path", err),
		}
	}

	return matchAnswer(resp.Content, edges)
}

// matchAnswer maps the model's reply onto an edge: exact case-insensitive
// label match first, then first label contained in the reply, then the
// first edge.
func matchAnswer(answer string, edges []workflow.Edge) Outcome {
	trimmed := strings.TrimSpace(answer)
	folded := strings.ToLower(trimmed)

	for _, edge := range edges {
		if folded == strings.ToLower(edge.Label) {
			return Outcome{
				Success:         true,
				ChosenPathLabel: edge.Label,
				TargetNodeID:    edge.To,
				Confidence:      confidenceExact,
				Reasoning:       fmt.Sprintf("model answered %q (exact match)", trimmed),
			}
		}
	}

	for _, edge := range edges {
		if edge.Label != "" && strings.Contains(folded, strings.ToLower(edge.Label)) {
			return Outcome{
				Success:         true,
				ChosenPathLabel: edge.Label,
				TargetNodeID:    edge.To,
				Confidence:      confidenceSubstring,
				Reasoning:       fmt.Sprintf("model answered %q (substring match on %q)", trimmed, edge.Label),
			}
		}
	}

	return Outcome{
		ChosenPathLabel: edges[0].Label,
		TargetNodeID:    edges[0].To,
		Confidence:      confidenceFallback,
		Reasoning:       fmt.Sprintf("model answered %q, matching no permitted answer; defaulted to the first path", trimmed),
	}
}

// buildPrompt renders the decision question, the permitted answers, the
// workflow context and the recent conversation as one text block.
func buildPrompt(node workflow.Node, edges []workflow.Edge, state State, historyLimit int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Question: %s\n", node.Label)

	b.WriteString("\nPermitted answers:\n")
	for i, edge := range edges {
		fmt.Fprintf(&b, "%d. %s\n", i+1, edge.Label)
	}

	if len(state.Context) > 0 {
		b.WriteString("\nKnown session context:\n")
		keys := make([]string, 0, len(state.Context))
		for k := range state.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, state.Context[k])
		}
	}

	if history := tail(state.History, historyLimit); len(history) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}

	b.WriteString("\nAnswer with exactly one permitted answer.")
	return b.String()
}

func tail(msgs []types.Message, n int) []types.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
