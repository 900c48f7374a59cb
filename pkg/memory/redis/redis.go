// Package redis provides a [memory.Store] backed by Redis.
//
// Sessions are stored as JSON blobs under `{prefix}session:{sessionId}` with
// a rolling TTL applied via SET EX on every write. Memory patches use an
// optimistic WATCH transaction so concurrent updates from multiple gateway
// nodes never lose writes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlorbank/voxgate/pkg/memory"
)

// Compile-time assertion that Store satisfies the [memory.Store] interface.
var _ memory.Store = (*Store)(nil)

const sessionKeyPrefix = "session:"

// maxTxRetries bounds how often UpdateMemory re-runs its WATCH transaction
// when another writer touches the same session mid-flight.
const maxTxRetries = 5

// Option configures a [Store].
type Option func(*Store)

// WithTTL overrides the session TTL. Defaults to [memory.DefaultTTL].
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithKeyPrefix namespaces every key written by this store.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a Redis-backed implementation of [memory.Store].
type Store struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// New returns a [Store] using the given client. The caller owns the client's
// lifecycle; closing the store does not close the client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		ttl:    memory.DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements [memory.Store].
func (s *Store) Create(ctx context.Context, sessionID, initialAgentID string) (*memory.Session, error) {
	sess := memory.NewSession(sessionID, initialAgentID, s.now())
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get implements [memory.Store].
func (s *Store) Get(ctx context.Context, sessionID string) (*memory.Session, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, memory.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return decode(raw)
}

// Save implements [memory.Store].
func (s *Store) Save(ctx context.Context, session *memory.Session) error {
	if session == nil {
		return memory.ErrSessionNotFound
	}
	saved := session.Clone()
	saved.LastActivity = s.now()
	return s.write(ctx, saved)
}

// UpdateMemory implements [memory.Store]. The patch is applied inside a WATCH
// transaction and retried up to maxTxRetries times on write contention.
func (s *Store) UpdateMemory(ctx context.Context, sessionID string, patch map[string]any) (*memory.Session, error) {
	k := s.key(sessionID)
	var updated *memory.Session

	apply := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return memory.ErrSessionNotFound
		}
		if err != nil {
			return unavailable("read session", err)
		}
		sess, err := decode(raw)
		if err != nil {
			return err
		}
		if sess.Memory == nil {
			sess.Memory = memory.SessionMemory{}
		}
		sess.Memory.Apply(patch)
		sess.LastActivity = s.now()

		buf, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("redis store: encode session %q: %w", sessionID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, buf, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = sess
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, apply, k)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, memory.ErrSessionNotFound),
			errors.Is(err, memory.ErrStorageUnavailable):
			return nil, err
		default:
			return nil, unavailable("update memory", err)
		}
	}
	return nil, unavailable("update memory", fmt.Errorf("transaction contention after %d retries", maxTxRetries))
}

// GetMemory implements [memory.Store].
func (s *Store) GetMemory(ctx context.Context, sessionID string) (memory.SessionMemory, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Memory, nil
}

// SetCurrentAgent implements [memory.Store].
func (s *Store) SetCurrentAgent(ctx context.Context, sessionID, agentID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.CurrentAgentID = agentID
	if sess.Memory == nil {
		sess.Memory = memory.SessionMemory{}
	}
	sess.Memory[memory.KeyLastAgent] = agentID
	sess.LastActivity = s.now()
	return s.write(ctx, sess)
}

// Delete implements [memory.Store].
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, sess *memory.Session) error {
	buf, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redis store: encode session %q: %w", sess.SessionID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.SessionID), buf, s.ttl).Err(); err != nil {
		return unavailable("write session", err)
	}
	return nil
}

func (s *Store) key(sessionID string) string { return s.prefix + sessionKeyPrefix + sessionID }

func decode(raw []byte) (*memory.Session, error) {
	var sess memory.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("redis store: decode session: %w", err)
	}
	return &sess, nil
}

// unavailable tags backend failures with [memory.ErrStorageUnavailable] so
// callers can trigger their degradation path with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("redis store: %s: %w", op, errors.Join(memory.ErrStorageUnavailable, err))
}
