// Package redis provides a [registry.Store] backed by Redis.
//
// Each agent lives in a hash under `{prefix}agent:{agentId}`; a sorted set
// `{prefix}agents` scored by registration time keeps the deterministic
// routing order. Hash and set are written in one MULTI/EXEC pipeline so
// readers never observe a half-registered agent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlorbank/voxgate/internal/registry"
)

// Compile-time assertion that Store satisfies the [registry.Store] interface.
var _ registry.Store = (*Store)(nil)

const (
	agentKeyPrefix = "agent:"
	orderKey       = "agents"
)

// Option configures a [Store].
type Option func(*Store)

// WithHealthyWindow overrides the heartbeat freshness window.
// Defaults to [registry.DefaultHealthyWindow].
func WithHealthyWindow(d time.Duration) Option {
	return func(s *Store) { s.window = d }
}

// WithKeyPrefix namespaces every key written by this store.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a Redis-backed implementation of [registry.Store].
type Store struct {
	client *redis.Client
	window time.Duration
	prefix string
	now    func() time.Time
}

// New returns a [Store] using the given client. The caller owns the client's
// lifecycle; the store never closes it.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		window: registry.DefaultHealthyWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register implements [registry.Store].
func (s *Store) Register(ctx context.Context, info registry.AgentInfo) error {
	now := s.now()
	if info.Status == "" {
		info.Status = registry.StatusStarting
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = now
	}

	// A re-registering agent keeps its original slot in the routing order.
	registeredAt := now
	prev, err := s.client.HGet(ctx, s.agentKey(info.AgentID), "registeredAt").Result()
	switch {
	case err == nil:
		if t, perr := time.Parse(time.RFC3339Nano, prev); perr == nil {
			registeredAt = t
		}
	case !errors.Is(err, redis.Nil):
		return unavailable("register agent", err)
	}
	info.RegisteredAt = registeredAt

	caps, err := json.Marshal(info.Capabilities)
	if err != nil {
		return fmt.Errorf("agent registry: encode capabilities for %q: %w", info.AgentID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.agentKey(info.AgentID), map[string]any{
			"agentId":       info.AgentID,
			"url":           info.URL,
			"status":        string(info.Status),
			"capabilities":  string(caps),
			"lastHeartbeat": info.LastHeartbeat.UTC().Format(time.RFC3339Nano),
			"port":          info.Port,
			"registeredAt":  registeredAt.UTC().Format(time.RFC3339Nano),
		})
		pipe.ZAddNX(ctx, s.key(orderKey), redis.Z{
			Score:  float64(registeredAt.UnixNano()),
			Member: info.AgentID,
		})
		return nil
	})
	if err != nil {
		return unavailable("register agent", err)
	}
	return nil
}

// Heartbeat implements [registry.Store].
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	key := s.agentKey(agentID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("heartbeat", err)
	}
	if n == 0 {
		return registry.ErrAgentNotFound
	}
	err = s.client.HSet(ctx, key,
		"status", string(registry.StatusHealthy),
		"lastHeartbeat", s.now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return unavailable("heartbeat", err)
	}
	return nil
}

// Get implements [registry.Store].
func (s *Store) Get(ctx context.Context, agentID string) (registry.AgentInfo, error) {
	fields, err := s.client.HGetAll(ctx, s.agentKey(agentID)).Result()
	if err != nil {
		return registry.AgentInfo{}, unavailable("get agent", err)
	}
	if len(fields) == 0 {
		return registry.AgentInfo{}, registry.ErrAgentNotFound
	}
	return decode(agentID, fields)
}

// List implements [registry.Store].
func (s *Store) List(ctx context.Context) ([]registry.AgentInfo, error) {
	ids, err := s.client.ZRange(ctx, s.key(orderKey), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list agents", err)
	}
	out := make([]registry.AgentInfo, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.agentKey(id)).Result()
		if err != nil {
			return nil, unavailable("list agents", err)
		}
		if len(fields) == 0 {
			continue
		}
		info, err := decode(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// ListHealthy implements [registry.Store].
func (s *Store) ListHealthy(ctx context.Context) ([]registry.AgentInfo, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []registry.AgentInfo
	for _, info := range all {
		if info.HealthyAt(now, s.window) {
			out = append(out, info)
		}
	}
	return out, nil
}

// FindByCapability implements [registry.Store].
func (s *Store) FindByCapability(ctx context.Context, capability string) (registry.AgentInfo, error) {
	all, err := s.List(ctx)
	if err != nil {
		return registry.AgentInfo{}, err
	}
	now := s.now()
	for _, info := range all {
		if info.HealthyAt(now, s.window) && info.HasCapability(capability) {
			return info, nil
		}
	}
	return registry.AgentInfo{}, fmt.Errorf("%w: %q", registry.ErrNoHealthyAgent, capability)
}

// SetStatus implements [registry.Store].
func (s *Store) SetStatus(ctx context.Context, agentID string, status registry.Status) error {
	key := s.agentKey(agentID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("set status", err)
	}
	if n == 0 {
		return registry.ErrAgentNotFound
	}
	if err := s.client.HSet(ctx, key, "status", string(status)).Err(); err != nil {
		return unavailable("set status", err)
	}
	return nil
}

// Unregister implements [registry.Store].
func (s *Store) Unregister(ctx context.Context, agentID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.agentKey(agentID))
		pipe.ZRem(ctx, s.key(orderKey), agentID)
		return nil
	})
	if err != nil {
		return unavailable("unregister agent", err)
	}
	return nil
}

// Ping implements [registry.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) key(suffix string) string { return s.prefix + suffix }

func (s *Store) agentKey(agentID string) string { return s.prefix + agentKeyPrefix + agentID }

func decode(agentID string, fields map[string]string) (registry.AgentInfo, error) {
	info := registry.AgentInfo{
		AgentID: fields["agentId"],
		URL:     fields["url"],
		Status:  registry.Status(fields["status"]),
	}
	if info.AgentID == "" {
		info.AgentID = agentID
	}
	if raw := fields["capabilities"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Capabilities); err != nil {
			return registry.AgentInfo{}, fmt.Errorf("agent registry: decode capabilities for %q: %w", agentID, err)
		}
	}
	if raw := fields["lastHeartbeat"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return registry.AgentInfo{}, fmt.Errorf("agent registry: decode lastHeartbeat for %q: %w", agentID, err)
		}
		info.LastHeartbeat = t
	}
	if raw := fields["registeredAt"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return registry.AgentInfo{}, fmt.Errorf("agent registry: decode registeredAt for %q: %w", agentID, err)
		}
		info.RegisteredAt = t
	}
	if raw := fields["port"]; raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return registry.AgentInfo{}, fmt.Errorf("agent registry: decode port for %q: %w", agentID, err)
		}
		info.Port = port
	}
	return info, nil
}

// unavailable tags backend failures with [registry.ErrUnavailable] so callers
// can trigger their degradation path with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("agent registry: %s: %w", op, errors.Join(registry.ErrUnavailable, err))
}
