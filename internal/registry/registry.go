// Package registry tracks the specialist agents known to the gateway.
//
// Agents self-register at startup and renew their registration with periodic
// heartbeats over the gateway REST API. The registry never evicts a stale
// agent; it only reports it unhealthy, so a single late heartbeat brings it
// straight back. Capability routing is deterministic: agents are scanned in
// registration order, and re-registration keeps an agent's original slot.
//
// Two [Store] implementations ship with voxgate:
//
//   - inmem: process-local, for single-node deployments and tests.
//   - redis: go-redis backed, for gateways running as multiple replicas.
package registry

import (
	"context"
	"errors"
	"slices"
	"time"
)

// DefaultHealthyWindow is the maximum heartbeat age before an agent stops
// counting as healthy.
const DefaultHealthyWindow = 30 * time.Second

// Status is the lifecycle state of a registered agent.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// IsValid reports whether s is a recognised agent status.
func (s Status) IsValid() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusUnhealthy:
		return true
	}
	return false
}

var (
	// ErrAgentNotFound is returned when no agent is registered under the id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNoHealthyAgent is returned by FindByCapability when no healthy agent
	// advertises the capability.
	ErrNoHealthyAgent = errors.New("no healthy agent for capability")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers may retry or fall back to routing the session to triage.
	ErrUnavailable = errors.New("registry unavailable")
)

// AgentInfo describes one registered agent.
type AgentInfo struct {
	AgentID       string    `json:"agentId"`
	URL           string    `json:"url"`
	Status        Status    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Port          int       `json:"port,omitempty"`

	// RegisteredAt orders agents for deterministic capability routing.
	// Preserved across re-registration.
	RegisteredAt time.Time `json:"registeredAt"`
}

// HealthyAt reports whether the agent counts as healthy at now: status is
// healthy and the last heartbeat is younger than window.
func (a AgentInfo) HealthyAt(now time.Time, window time.Duration) bool {
	return a.Status == StatusHealthy && now.Sub(a.LastHeartbeat) < window
}

// HasCapability reports whether the agent advertises capability.
func (a AgentInfo) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// Clone returns a copy whose Capabilities slice does not alias a.
func (a AgentInfo) Clone() AgentInfo {
	out := a
	out.Capabilities = slices.Clone(a.Capabilities)
	return out
}

// Store persists [AgentInfo] records keyed by agent id.
type Store interface {
	// Register adds or replaces the agent. An unset status defaults to
	// starting; re-registration keeps the original RegisteredAt so routing
	// order survives agent restarts.
	Register(ctx context.Context, info AgentInfo) error

	// Heartbeat marks the agent healthy as of now, or returns
	// [ErrAgentNotFound].
	Heartbeat(ctx context.Context, agentID string) error

	// Get returns the agent or [ErrAgentNotFound].
	Get(ctx context.Context, agentID string) (AgentInfo, error)

	// List returns all agents in registration order.
	List(ctx context.Context) ([]AgentInfo, error)

	// ListHealthy returns the agents that pass [AgentInfo.HealthyAt], in
	// registration order.
	ListHealthy(ctx context.Context) ([]AgentInfo, error)

	// FindByCapability returns the first healthy agent advertising the
	// capability, in registration order, or [ErrNoHealthyAgent].
	FindByCapability(ctx context.Context, capability string) (AgentInfo, error)

	// SetStatus overwrites the agent's status without touching its heartbeat
	// timestamp, or returns [ErrAgentNotFound].
	SetStatus(ctx context.Context, agentID string, status Status) error

	// Unregister removes the agent. Removing an unknown agent is not an error.
	Unregister(ctx context.Context, agentID string) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
