// Package postgres provides a [memory.Store] backed by PostgreSQL.
//
// Sessions live in a single `sessions` table with the memory map in a JSONB
// column and an explicit expires_at deadline. PostgreSQL has no native key
// expiry, so reads refuse expired rows and a janitor goroutine sweeps them;
// TTL semantics match the redis and inmem backends either way. Memory patches
// run inside a SELECT ... FOR UPDATE transaction so concurrent updates from
// multiple gateway nodes never lose writes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlorbank/voxgate/pkg/memory"
)

// Compile-time assertion that Store satisfies the [memory.Store] interface.
var _ memory.Store = (*Store)(nil)

const defaultJanitorInterval = 60 * time.Second

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT         PRIMARY KEY,
    current_agent TEXT         NOT NULL DEFAULT '',
    memory        JSONB        NOT NULL DEFAULT '{}',
    start_time    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at    TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires_at
    ON sessions (expires_at);
`

// Migrate creates the sessions table if it does not exist. It is idempotent
// and safe to call on every start; [New] runs it automatically.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Option configures a [Store].
type Option func(*Store)

// WithTTL overrides the session TTL. Defaults to [memory.DefaultTTL].
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithJanitorInterval overrides how often expired rows are swept.
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Store) { s.janitorEvery = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a PostgreSQL-backed implementation of [memory.Store].
type Store struct {
	pool         *pgxpool.Pool
	ttl          time.Duration
	janitorEvery time.Duration
	now          func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New connects to the database at dsn, runs [Migrate], and starts the janitor
// goroutine. Call [Store.Close] when done.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{
		pool:         pool,
		ttl:          memory.DefaultTTL,
		janitorEvery: defaultJanitorInterval,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.janitor()
	return s, nil
}

// Close stops the janitor and releases the connection pool.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.pool.Close()
	return nil
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
	const q = `
		SELECT session_id, current_agent, memory, start_time, last_activity
		FROM   sessions
		WHERE  session_id = $1
		  AND  expires_at > $2`

	return scanSession(s.pool.QueryRow(ctx, q, sessionID, s.now()))
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

// UpdateMemory implements [memory.Store]. The row is locked FOR UPDATE while
// the patch is applied, so concurrent patches serialise instead of clobbering
// each other.
func (s *Store) UpdateMemory(ctx context.Context, sessionID string, patch map[string]any) (*memory.Session, error) {
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin update", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const selectQ = `
		SELECT session_id, current_agent, memory, start_time, last_activity
		FROM   sessions
		WHERE  session_id = $1
		  AND  expires_at > $2
		FOR UPDATE`

	sess, err := scanSession(tx.QueryRow(ctx, selectQ, sessionID, now))
	if err != nil {
		return nil, err
	}

	if sess.Memory == nil {
		sess.Memory = memory.SessionMemory{}
	}
	sess.Memory.Apply(patch)
	sess.LastActivity = now

	buf, err := json.Marshal(sess.Memory)
	if err != nil {
		return nil, fmt.Errorf("postgres store: encode memory for %q: %w", sessionID, err)
	}

	const updateQ = `
		UPDATE sessions
		SET    memory = $2::jsonb, last_activity = $3, expires_at = $4
		WHERE  session_id = $1`

	if _, err := tx.Exec(ctx, updateQ, sessionID, buf, now, now.Add(s.ttl)); err != nil {
		return nil, unavailable("update memory", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit update", err)
	}
	return sess, nil
}

// GetMemory implements [memory.Store].
func (s *Store) GetMemory(ctx context.Context, sessionID string) (memory.SessionMemory, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Memory, nil
}

// SetCurrentAgent implements [memory.Store]. The lastAgent memory key is
// updated in the same statement via jsonb concatenation.
func (s *Store) SetCurrentAgent(ctx context.Context, sessionID, agentID string) error {
	now := s.now()

	const q = `
		UPDATE sessions
		SET    current_agent = $2,
		       memory        = memory || jsonb_build_object($5::text, $2::text),
		       last_activity = $3,
		       expires_at    = $4
		WHERE  session_id = $1
		  AND  expires_at > $3`

	tag, err := s.pool.Exec(ctx, q, sessionID, agentID, now, now.Add(s.ttl), memory.KeyLastAgent)
	if err != nil {
		return unavailable("set current agent", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrSessionNotFound
	}
	return nil
}

// Delete implements [memory.Store].
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, sess *memory.Session) error {
	buf, err := json.Marshal(sess.Memory)
	if err != nil {
		return fmt.Errorf("postgres store: encode session %q: %w", sess.SessionID, err)
	}

	const q = `
		INSERT INTO sessions (session_id, current_agent, memory, start_time, last_activity, expires_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
		    current_agent = EXCLUDED.current_agent,
		    memory        = EXCLUDED.memory,
		    last_activity = EXCLUDED.last_activity,
		    expires_at    = EXCLUDED.expires_at`

	_, err = s.pool.Exec(ctx, q,
		sess.SessionID,
		sess.CurrentAgentID,
		buf,
		sess.StartTime,
		sess.LastActivity,
		s.now().Add(s.ttl),
	)
	if err != nil {
		return unavailable("write session", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*memory.Session, error) {
	var (
		sess memory.Session
		raw  []byte
	)
	err := row.Scan(&sess.SessionID, &sess.CurrentAgentID, &raw, &sess.StartTime, &sess.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("scan session", err)
	}
	if err := json.Unmarshal(raw, &sess.Memory); err != nil {
		return nil, fmt.Errorf("postgres store: decode memory: %w", err)
	}
	return &sess, nil
}

func (s *Store) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.janitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep deletes expired rows. Reads refuse expired rows regardless, so a
// failed sweep only delays reclamation.
func (s *Store) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, s.now())
}

// unavailable tags backend failures with [memory.ErrStorageUnavailable] so
// callers can trigger their degradation path with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("postgres store: %s: %w", op, errors.Join(memory.ErrStorageUnavailable, err))
}
