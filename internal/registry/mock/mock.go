// Package mock provides an in-memory test double for [registry.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	reg := &mock.Store{Agents: []registry.AgentInfo{
//	    {AgentID: "banking", Status: registry.StatusHealthy, Capabilities: []string{"banking"}},
//	}}
//
//	// inject reg into the system under test …
//
//	if got := reg.CallCount("FindByCapability"); got != 1 {
//	    t.Errorf("expected 1 FindByCapability call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/parlorbank/voxgate/internal/registry"
)

// Compile-time assertion that Store satisfies the [registry.Store] interface.
var _ registry.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [registry.Store].
// Agents is the backing data: lookups treat every listed agent as healthy
// regardless of heartbeat age, so tests control health purely through the
// Status field. All exported *Err fields default to nil (success).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// Agents backs Get, List, ListHealthy and FindByCapability, in routing
	// order. Register appends to it (or replaces a matching AgentID).
	Agents []registry.AgentInfo

	// RegisterErr is returned by [Store.Register] when non-nil.
	RegisterErr error

	// HeartbeatErr is returned by [Store.Heartbeat] when non-nil.
	HeartbeatErr error

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// ListErr is returned by [Store.List] and [Store.ListHealthy] when
	// non-nil.
	ListErr error

	// FindErr is returned by [Store.FindByCapability] when non-nil.
	FindErr error

	// SetStatusErr is returned by [Store.SetStatus] when non-nil.
	SetStatusErr error

	// UnregisterErr is returned by [Store.Unregister] when non-nil.
	UnregisterErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
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

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Register implements [registry.Store].
func (m *Store) Register(_ context.Context, info registry.AgentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Register", Args: []any{info}})
	if m.RegisterErr != nil {
		return m.RegisterErr
	}
	for i, existing := range m.Agents {
		if existing.AgentID == info.AgentID {
			info.RegisteredAt = existing.RegisteredAt
			m.Agents[i] = info
			return nil
		}
	}
	m.Agents = append(m.Agents, info)
	return nil
}

// Heartbeat implements [registry.Store].
func (m *Store) Heartbeat(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Heartbeat", Args: []any{agentID}})
	if m.HeartbeatErr != nil {
		return m.HeartbeatErr
	}
	for i := range m.Agents {
		if m.Agents[i].AgentID == agentID {
			m.Agents[i].Status = registry.StatusHealthy
			return nil
		}
	}
	return registry.ErrAgentNotFound
}

// Get implements [registry.Store].
func (m *Store) Get(_ context.Context, agentID string) (registry.AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Get", Args: []any{agentID}})
	if m.GetErr != nil {
		return registry.AgentInfo{}, m.GetErr
	}
	for _, info := range m.Agents {
		if info.AgentID == agentID {
			return info.Clone(), nil
		}
	}
	return registry.AgentInfo{}, registry.ErrAgentNotFound
}

// List implements [registry.Store].
func (m *Store) List(context.Context) ([]registry.AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "List"})
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]registry.AgentInfo, 0, len(m.Agents))
	for _, info := range m.Agents {
		out = append(out, info.Clone())
	}
	return out, nil
}

// ListHealthy implements [registry.Store].
func (m *Store) ListHealthy(context.Context) ([]registry.AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListHealthy"})
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []registry.AgentInfo
	for _, info := range m.Agents {
		if info.Status == registry.StatusHealthy {
			out = append(out, info.Clone())
		}
	}
	return out, nil
}

// FindByCapability implements [registry.Store].
func (m *Store) FindByCapability(_ context.Context, capability string) (registry.AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FindByCapability", Args: []any{capability}})
	if m.FindErr != nil {
		return registry.AgentInfo{}, m.FindErr
	}
	for _, info := range m.Agents {
		if info.Status == registry.StatusHealthy && info.HasCapability(capability) {
			return info.Clone(), nil
		}
	}
	return registry.AgentInfo{}, fmt.Errorf("%w: %q", registry.ErrNoHealthyAgent, capability)
}

// SetStatus implements [registry.Store].
func (m *Store) SetStatus(_ context.Context, agentID string, status registry.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetStatus", Args: []any{agentID, status}})
	if m.SetStatusErr != nil {
		return m.SetStatusErr
	}
	for i := range m.Agents {
		if m.Agents[i].AgentID == agentID {
			m.Agents[i].Status = status
			return nil
		}
	}
	return registry.ErrAgentNotFound
}

// Unregister implements [registry.Store].
func (m *Store) Unregister(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Unregister", Args: []any{agentID}})
	if m.UnregisterErr != nil {
		return m.UnregisterErr
	}
	for i, info := range m.Agents {
		if info.AgentID == agentID {
			m.Agents = append(m.Agents[:i], m.Agents[i+1:]...)
			return nil
		}
	}
	return nil
}

// Ping implements [registry.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}
