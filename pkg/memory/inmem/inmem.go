// Package inmem provides a process-local [memory.Store] backed by a map.
//
// It is the default backend for single-node deployments and the fallback the
// session service degrades to when the primary store is unreachable. Expired
// sessions are reaped by a janitor goroutine and are also refused on read, so
// TTL semantics hold even between sweeps.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/parlorbank/voxgate/pkg/memory"
)

// Compile-time assertion that Store satisfies the [memory.Store] interface.
var _ memory.Store = (*Store)(nil)

const defaultJanitorInterval = 30 * time.Second

// Option configures a [Store].
type Option func(*Store)

// WithTTL overrides the session TTL. Defaults to [memory.DefaultTTL].
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithJanitorInterval overrides how often expired sessions are swept.
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Store) { s.janitorEvery = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a thread-safe, in-memory implementation of [memory.Store].
type Store struct {
	ttl          time.Duration
	janitorEvery time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// entry pairs a session with its expiry deadline. The per-entry mutex
// serialises read-modify-write cycles on one session without blocking others.
type entry struct {
	mu        sync.Mutex
	session   *memory.Session
	expiresAt time.Time
}

// New returns an initialised [Store] and starts its janitor goroutine.
// Call [Store.Close] when done to stop the janitor.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:          memory.DefaultTTL,
		janitorEvery: defaultJanitorInterval,
		now:          time.Now,
		sessions:     make(map[string]*entry),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// Close stops the janitor goroutine. The store remains usable afterwards but
// expired sessions are only dropped lazily on access.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// Create implements [memory.Store].
func (s *Store) Create(_ context.Context, sessionID, initialAgentID string) (*memory.Session, error) {
	now := s.now()
	sess := memory.NewSession(sessionID, initialAgentID, now)

	s.mu.Lock()
	s.sessions[sessionID] = &entry{session: sess, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()

	return sess.Clone(), nil
}

// Get implements [memory.Store].
func (s *Store) Get(_ context.Context, sessionID string) (*memory.Session, error) {
	e, err := s.live(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Save implements [memory.Store].
func (s *Store) Save(_ context.Context, session *memory.Session) error {
	if session == nil {
		return memory.ErrSessionNotFound
	}
	now := s.now()
	saved := session.Clone()
	saved.LastActivity = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[saved.SessionID]; ok && s.alive(e, now) {
		e.mu.Lock()
		e.session = saved
		e.expiresAt = now.Add(s.ttl)
		e.mu.Unlock()
		return nil
	}
	s.sessions[saved.SessionID] = &entry{session: saved, expiresAt: now.Add(s.ttl)}
	return nil
}

// UpdateMemory implements [memory.Store].
func (s *Store) UpdateMemory(_ context.Context, sessionID string, patch map[string]any) (*memory.Session, error) {
	e, err := s.live(sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Memory == nil {
		e.session.Memory = memory.SessionMemory{}
	}
	e.session.Memory.Apply(patch)
	e.session.LastActivity = now
	e.expiresAt = now.Add(s.ttl)
	return e.session.Clone(), nil
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
func (s *Store) SetCurrentAgent(_ context.Context, sessionID, agentID string) error {
	e, err := s.live(sessionID)
	if err != nil {
		return err
	}
	now := s.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.CurrentAgentID = agentID
	if e.session.Memory == nil {
		e.session.Memory = memory.SessionMemory{}
	}
	e.session.Memory[memory.KeyLastAgent] = agentID
	e.session.LastActivity = now
	e.expiresAt = now.Add(s.ttl)
	return nil
}

// Delete implements [memory.Store].
func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Ping implements [memory.Store]. The in-memory store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Len reports how many live sessions the store holds.
func (s *Store) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.sessions {
		if s.alive(e, now) {
			n++
		}
	}
	return n
}

// live returns the entry for sessionID if it exists and has not expired.
func (s *Store) live(sessionID string) (*entry, error) {
	now := s.now()
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok || !s.alive(e, now) {
		return nil, memory.ErrSessionNotFound
	}
	return e, nil
}

func (s *Store) alive(e *entry, now time.Time) bool {
	return now.Before(e.expiresAt)
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

func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.sessions {
		if !s.alive(e, now) {
			delete(s.sessions, id)
		}
	}
}
