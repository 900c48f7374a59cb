// Package memory defines the session store used by the voxgate gateway.
//
// A [Session] is the unit of state shared between the gateway and whichever
// agent currently serves the caller: identity fields extracted from the
// conversation, the caller's stated intent, workflow progress, and any
// free-form keys agents choose to stash. Sessions are ephemeral; every write
// refreshes a rolling TTL and expired sessions disappear without ceremony.
//
// The [Store] interface is public so that external packages can supply
// alternative backends (Redis, in-memory, …) without depending on voxgate
// internals. Two implementations ship with voxgate:
//
//   - inmem: process-local map, suitable for single-node deployments and tests.
//   - redis: go-redis backed, suitable for multi-node gateways.
//
// Every implementation must be safe for concurrent use, and memory updates
// must be atomic per session (read-modify-write under a per-session lock or
// an optimistic transaction).
package memory

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an untouched session survives. Every write through
// the [Store] refreshes the deadline.
const DefaultTTL = 3600 * time.Second

var (
	// ErrSessionNotFound is returned when no session exists under the given
	// id, including sessions that have expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached. Callers may retry or degrade to a fallback store.
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// Store persists [Session] records keyed by session id.
type Store interface {
	// Create initialises a new session bound to initialAgentID and persists
	// it with a fresh TTL.
	Create(ctx context.Context, sessionID, initialAgentID string) (*Session, error)

	// Get returns the session or [ErrSessionNotFound].
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Save persists the whole session record (last writer wins), refreshing
	// LastActivity and the TTL.
	Save(ctx context.Context, session *Session) error

	// UpdateMemory merges patch into the session's memory atomically and
	// returns the updated session. A nil patch value for a key removes that
	// key. An empty patch still refreshes LastActivity and the TTL.
	UpdateMemory(ctx context.Context, sessionID string, patch map[string]any) (*Session, error)

	// GetMemory returns the session's memory map.
	GetMemory(ctx context.Context, sessionID string) (SessionMemory, error)

	// SetCurrentAgent records which agent currently serves the session.
	// Health checking the target is the caller's job; the store only writes.
	SetCurrentAgent(ctx context.Context, sessionID, agentID string) error

	// Delete removes the session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
