package memory

import "time"

// Session is the per-caller state record owned by the gateway. Exactly one
// agent is current at a time; the gateway updates CurrentAgentID as part of a
// handoff, never the agents themselves.
type Session struct {
	// SessionID is the unique session identifier (a UUID).
	SessionID string `json:"sessionId"`

	// CurrentAgentID names the agent the gateway is currently proxying to.
	CurrentAgentID string `json:"currentAgentId"`

	// StartTime is when the session was created.
	StartTime time.Time `json:"startTime"`

	// LastActivity is refreshed on every write through the [Store].
	LastActivity time.Time `json:"lastActivity"`

	// Memory holds everything agents and the gateway have learned about the
	// caller so far.
	Memory SessionMemory `json:"memory"`
}

// NewSession returns a Session bound to agentID with empty memory.
// LastAgent is pre-seeded so agents can greet with continuity after handoffs.
func NewSession(sessionID, agentID string, now time.Time) *Session {
	return &Session{
		SessionID:      sessionID,
		CurrentAgentID: agentID,
		StartTime:      now,
		LastActivity:   now,
		Memory:         SessionMemory{KeyLastAgent: agentID},
	}
}

// Clone returns a deep copy of the session. Stores hand out clones so callers
// can mutate the result freely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Memory = s.Memory.Clone()
	return &out
}

// Reserved memory keys. Everything else in a [SessionMemory] is free-form and
// owned by whichever agent wrote it.
const (
	KeyVerified        = "verified"
	KeyUserName        = "userName"
	KeyAccount         = "account"
	KeySortCode        = "sortCode"
	KeyUserIntent      = "userIntent"
	KeyLastUserMessage = "lastUserMessage"
	KeyLastAgent       = "lastAgent"
	KeyGraphState      = "graphState"
	KeyPendingHandoff  = "pendingHandoff"
)

// SessionMemory is the open key-value state shared across agents within one
// session. Reserved keys carry typed accessors; the getters tolerate missing
// or mistyped values and return the zero value in those cases, because the
// map round-trips through JSON and agents may write anything.
type SessionMemory map[string]any

// GraphState records workflow progress so a handoff target can resume where
// the source agent left off.
type GraphState struct {
	WorkflowID    string         `json:"workflowId"`
	CurrentNodeID string         `json:"currentNodeId"`
	Context       map[string]any `json:"context,omitempty"`
}

// Verified reports whether the caller has passed identity verification.
func (m SessionMemory) Verified() bool {
	v, _ := m[KeyVerified].(bool)
	return v
}

// SetVerified records the identity verification outcome.
func (m SessionMemory) SetVerified(v bool) { m[KeyVerified] = v }

// UserName returns the caller's name, or "" if unknown.
func (m SessionMemory) UserName() string { return m.str(KeyUserName) }

// Account returns the caller's account number, or "" if unknown.
func (m SessionMemory) Account() string { return m.str(KeyAccount) }

// SortCode returns the caller's sort code, or "" if unknown.
func (m SessionMemory) SortCode() string { return m.str(KeySortCode) }

// UserIntent returns the caller's stated intent, or "" if none was captured.
func (m SessionMemory) UserIntent() string { return m.str(KeyUserIntent) }

// SetUserIntent records the caller's stated intent.
func (m SessionMemory) SetUserIntent(intent string) { m[KeyUserIntent] = intent }

// LastUserMessage returns the most recent user utterance seen by the gateway.
func (m SessionMemory) LastUserMessage() string { return m.str(KeyLastUserMessage) }

// LastAgent returns the id of the last agent that served this session.
func (m SessionMemory) LastAgent() string { return m.str(KeyLastAgent) }

// GraphState returns the stored workflow progress, if any. It decodes both
// the typed form and the map form produced by a JSON round trip.
func (m SessionMemory) GraphState() (GraphState, bool) {
	switch v := m[KeyGraphState].(type) {
	case GraphState:
		return v, true
	case map[string]any:
		gs := GraphState{
			WorkflowID:    asString(v["workflowId"]),
			CurrentNodeID: asString(v["currentNodeId"]),
		}
		if ctx, ok := v["context"].(map[string]any); ok {
			gs.Context = ctx
		}
		return gs, true
	default:
		return GraphState{}, false
	}
}

// SetGraphState records workflow progress for handoff continuity.
func (m SessionMemory) SetGraphState(gs GraphState) { m[KeyGraphState] = gs }

// PendingHandoff records an agent's intent to move the session elsewhere.
// Target names a capability, not an agent: the gateway resolves it against
// the registry when routing.
type PendingHandoff struct {
	Target  string         `json:"target"`
	Reason  string         `json:"reason,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// PendingHandoff returns the stored handoff intent, if any. Like
// [SessionMemory.GraphState] it decodes both the typed form and the map
// form produced by a JSON round trip.
func (m SessionMemory) PendingHandoff() (PendingHandoff, bool) {
	switch v := m[KeyPendingHandoff].(type) {
	case PendingHandoff:
		return v, true
	case map[string]any:
		ph := PendingHandoff{
			Target: asString(v["target"]),
			Reason: asString(v["reason"]),
		}
		if ctx, ok := v["context"].(map[string]any); ok {
			ph.Context = ctx
		}
		return ph, true
	default:
		return PendingHandoff{}, false
	}
}

// SetPendingHandoff records a handoff intent.
func (m SessionMemory) SetPendingHandoff(ph PendingHandoff) { m[KeyPendingHandoff] = ph }

// ClearPendingHandoff removes a consumed handoff intent.
func (m SessionMemory) ClearPendingHandoff() { delete(m, KeyPendingHandoff) }

// Apply merges patch into the memory map. A nil value removes the key; any
// other value overwrites. Apply never touches keys absent from the patch.
func (m SessionMemory) Apply(patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
}

// Clone returns a copy of the memory map. Nested maps and slices are copied
// recursively so callers cannot alias stored state.
func (m SessionMemory) Clone() SessionMemory {
	if m == nil {
		return nil
	}
	out := make(SessionMemory, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func (m SessionMemory) str(key string) string { return asString(m[key]) }

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
