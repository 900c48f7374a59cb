// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.GetResult = memory.NewSession("sess-1", "triage", time.Now())
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("UpdateMemory"); got != 1 {
//	    t.Errorf("expected 1 UpdateMemory call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parlorbank/voxgate/pkg/memory"
)

// Compile-time assertion that Store satisfies the [memory.Store] interface.
var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
// All exported *Err fields default to nil (success). Methods that return a
// session fall back to [memory.ErrSessionNotFound] when neither their
// *Result nor *Err field is set, so the zero value behaves like an empty
// store.
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// CreateResult is returned by [Store.Create]. When nil, Create builds a
	// fresh session from its arguments.
	CreateResult *memory.Session

	// CreateErr is returned by [Store.Create] when non-nil.
	CreateErr error

	// GetResult is returned (cloned) by [Store.Get] and backs the defaults
	// of [Store.GetMemory].
	GetResult *memory.Session

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// SaveErr is returned by [Store.Save] when non-nil.
	SaveErr error

	// UpdateMemoryResult is returned by [Store.UpdateMemory]. When nil and
	// GetResult is set, the patch is applied to a clone of GetResult.
	UpdateMemoryResult *memory.Session

	// UpdateMemoryErr is returned by [Store.UpdateMemory] when non-nil.
	UpdateMemoryErr error

	// SetCurrentAgentErr is returned by [Store.SetCurrentAgent] when non-nil.
	SetCurrentAgentErr error

	// DeleteErr is returned by [Store.Delete] when non-nil.
	DeleteErr error

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

// Create implements [memory.Store].
func (m *Store) Create(_ context.Context, sessionID, initialAgentID string) (*memory.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Create", Args: []any{sessionID, initialAgentID}})
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if m.CreateResult != nil {
		return m.CreateResult.Clone(), nil
	}
	return memory.NewSession(sessionID, initialAgentID, time.Now()), nil
}

// Get implements [memory.Store].
func (m *Store) Get(_ context.Context, sessionID string) (*memory.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Get", Args: []any{sessionID}})
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if m.GetResult == nil {
		return nil, memory.ErrSessionNotFound
	}
	return m.GetResult.Clone(), nil
}

// Save implements [memory.Store].
func (m *Store) Save(_ context.Context, session *memory.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Save", Args: []any{session}})
	return m.SaveErr
}

// UpdateMemory implements [memory.Store].
func (m *Store) UpdateMemory(_ context.Context, sessionID string, patch map[string]any) (*memory.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateMemory", Args: []any{sessionID, patch}})
	if m.UpdateMemoryErr != nil {
		return nil, m.UpdateMemoryErr
	}
	if m.UpdateMemoryResult != nil {
		return m.UpdateMemoryResult.Clone(), nil
	}
	if m.GetResult != nil {
		sess := m.GetResult.Clone()
		if sess.Memory == nil {
			sess.Memory = memory.SessionMemory{}
		}
		sess.Memory.Apply(patch)
		return sess, nil
	}
	return nil, memory.ErrSessionNotFound
}

// GetMemory implements [memory.Store].
func (m *Store) GetMemory(_ context.Context, sessionID string) (memory.SessionMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetMemory", Args: []any{sessionID}})
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if m.GetResult == nil {
		return nil, memory.ErrSessionNotFound
	}
	return m.GetResult.Memory.Clone(), nil
}

// SetCurrentAgent implements [memory.Store].
func (m *Store) SetCurrentAgent(_ context.Context, sessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetCurrentAgent", Args: []any{sessionID, agentID}})
	return m.SetCurrentAgentErr
}

// Delete implements [memory.Store].
func (m *Store) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Delete", Args: []any{sessionID}})
	return m.DeleteErr
}

// Ping implements [memory.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}
