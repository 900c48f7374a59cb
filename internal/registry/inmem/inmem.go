// Package inmem provides a process-local [registry.Store] backed by a map.
//
// Registration order is kept in an explicit slice so capability routing is
// deterministic without sorting on every lookup.
package inmem

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/parlorbank/voxgate/internal/registry"
)

// Compile-time assertion that Store satisfies the [registry.Store] interface.
var _ registry.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithHealthyWindow overrides the heartbeat freshness window.
// Defaults to [registry.DefaultHealthyWindow].
func WithHealthyWindow(d time.Duration) Option {
	return func(s *Store) { s.window = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a thread-safe, in-memory implementation of [registry.Store].
type Store struct {
	window time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	agents map[string]registry.AgentInfo
	order  []string
}

// New returns an initialised [Store].
func New(opts ...Option) *Store {
	s := &Store{
		window: registry.DefaultHealthyWindow,
		now:    time.Now,
		agents: make(map[string]registry.AgentInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register implements [registry.Store].
func (s *Store) Register(_ context.Context, info registry.AgentInfo) error {
	now := s.now()
	info = info.Clone()
	if info.Status == "" {
		info.Status = registry.StatusStarting
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.agents[info.AgentID]; ok {
		info.RegisteredAt = prev.RegisteredAt
	} else {
		info.RegisteredAt = now
		s.order = append(s.order, info.AgentID)
	}
	s.agents[info.AgentID] = info
	return nil
}

// Heartbeat implements [registry.Store].
func (s *Store) Heartbeat(_ context.Context, agentID string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.agents[agentID]
	if !ok {
		return registry.ErrAgentNotFound
	}
	info.Status = registry.StatusHealthy
	info.LastHeartbeat = now
	s.agents[agentID] = info
	return nil
}

// Get implements [registry.Store].
func (s *Store) Get(_ context.Context, agentID string) (registry.AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.agents[agentID]
	if !ok {
		return registry.AgentInfo{}, registry.ErrAgentNotFound
	}
	return info.Clone(), nil
}

// List implements [registry.Store].
func (s *Store) List(_ context.Context) ([]registry.AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.AgentInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id].Clone())
	}
	return out, nil
}

// ListHealthy implements [registry.Store].
func (s *Store) ListHealthy(_ context.Context) ([]registry.AgentInfo, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.AgentInfo
	for _, id := range s.order {
		if info := s.agents[id]; info.HealthyAt(now, s.window) {
			out = append(out, info.Clone())
		}
	}
	return out, nil
}

// FindByCapability implements [registry.Store].
func (s *Store) FindByCapability(_ context.Context, capability string) (registry.AgentInfo, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		info := s.agents[id]
		if info.HealthyAt(now, s.window) && info.HasCapability(capability) {
			return info.Clone(), nil
		}
	}
	return registry.AgentInfo{}, fmt.Errorf("%w: %q", registry.ErrNoHealthyAgent, capability)
}

// SetStatus implements [registry.Store].
func (s *Store) SetStatus(_ context.Context, agentID string, status registry.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.agents[agentID]
	if !ok {
		return registry.ErrAgentNotFound
	}
	info.Status = status
	s.agents[agentID] = info
	return nil
}

// Unregister implements [registry.Store].
func (s *Store) Unregister(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return nil
	}
	delete(s.agents, agentID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == agentID })
	return nil
}

// Ping implements [registry.Store]. The in-memory registry is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Len reports how many agents are registered, healthy or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
