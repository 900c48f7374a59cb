// Package sessions is the gateway's session service. It composes the session
// store and the agent registry into the operations the gateway actually
// performs — create, read, patch memory, transfer between agents, delete —
// and owns two cross-cutting behaviours the raw store does not:
//
//   - Resilience: every store call runs through a circuit breaker with a
//     bounded exponential retry on storage failures. When the primary store
//     is unavailable the service degrades to an in-process fallback store,
//     so live sessions keep working (in this process only) through a backend
//     outage. Domain results such as [memory.ErrSessionNotFound] pass
//     through untouched and never trip the breaker.
//
//   - Disconnect grace: when a client drops, cleanup is deferred on a timer
//     so a quick reconnect can re-attach to the running agent session
//     instead of starting over.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlorbank/voxgate/internal/observe"
	"github.com/parlorbank/voxgate/internal/registry"
	"github.com/parlorbank/voxgate/internal/resilience"
	"github.com/parlorbank/voxgate/pkg/memory"
	"github.com/parlorbank/voxgate/pkg/memory/inmem"
)

// DefaultGracePeriod is how long a disconnected client's session is kept
// attached to its agent before cleanup runs.
const DefaultGracePeriod = 60 * time.Second

// ErrTargetUnhealthy is returned by [Service.Transfer] when the target agent
// is not healthy. The session is left unchanged.
var ErrTargetUnhealthy = errors.New("transfer target unhealthy")

// Option configures a [Service].
type Option func(*Service)

// WithGracePeriod overrides the disconnect grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Service) {
		s.gracePeriod = d
	}
}

// WithMetrics injects the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRetry overrides the retry policy applied to storage failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) {
		s.retry = cfg
	}
}

// WithBreakerConfig overrides the circuit breaker tuning. Name and the
// state-change hook are owned by the service and cannot be overridden.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(s *Service) {
		s.breakerCfg = cfg
	}
}

// WithBackendLabel sets the backend name recorded on store-operation
// metrics, e.g. "redis" or "postgres".
func WithBackendLabel(label string) Option {
	return func(s *Service) {
		s.backend = label
	}
}

// Service mediates all gateway access to session state.
// It is safe for concurrent use.
type Service struct {
	store    memory.Store
	fallback *inmem.Store
	registry registry.Store
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	metrics  *observe.Metrics
	backend  string

	breakerCfg  resilience.CircuitBreakerConfig
	gracePeriod time.Duration

	mu       sync.Mutex
	degraded bool
	closed   bool
	timers   map[string]*time.Timer
}

// New returns a [Service] over the given primary store and agent registry.
// The in-process fallback store is created internally; call [Service.Close]
// to release it and any pending grace timers.
func New(store memory.Store, reg registry.Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		fallback:    inmem.New(),
		registry:    reg,
		retry:       resilience.RetryConfig{Name: "session-store"},
		backend:     "store",
		gracePeriod: DefaultGracePeriod,
		timers:      make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.retry.Name = "session-store"

	cfg := s.breakerCfg
	cfg.Name = "session-store"
	cfg.OnStateChange = s.onBreakerChange
	s.breaker = resilience.NewCircuitBreaker(cfg)
	return s
}

// onBreakerChange flips degraded mode with the breaker: open means the
// primary store is out and calls route to the fallback; closed means it
// recovered. Runs under the breaker's lock, so it only touches the flag.
func (s *Service) onBreakerChange(_, to resilience.State) {
	switch to {
	case resilience.StateOpen:
		s.setDegraded(true)
		slog.Warn("session store degraded to in-process fallback", "backend", s.backend)
	case resilience.StateClosed:
		s.setDegraded(false)
		slog.Info("session store recovered", "backend", s.backend)
	}
}

func (s *Service) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

// Degraded reports whether the service is currently running against the
// in-process fallback store.
func (s *Service) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// exec runs fn against the primary store under breaker + retry; when the
// primary is unavailable (breaker open or retries exhausted) it re-runs fn
// against the in-process fallback. Domain errors — anything that is not
// [memory.ErrStorageUnavailable] — return immediately and do not count as
// breaker failures.
func (s *Service) exec(ctx context.Context, op string, fn func(memory.Store) error) error {
	var domErr error
	cbErr := s.breaker.Execute(func() error {
		return resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
			domErr = nil
			err := fn(s.store)
			if err == nil || errors.Is(err, memory.ErrStorageUnavailable) {
				return err
			}
			domErr = err
			return nil
		})
	})
	if cbErr == nil {
		s.recordOp(ctx, s.backend, op, domErr)
		return domErr
	}
	s.recordOp(ctx, s.backend, op, cbErr)

	err := fn(s.fallback)
	s.recordOp(ctx, "fallback", op, err)
	return err
}

func (s *Service) recordOp(ctx context.Context, backend, op string, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, memory.ErrSessionNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	s.metrics.RecordStoreOp(ctx, backend, op, outcome)
}

// Create initialises a new session bound to initialAgentID.
func (s *Service) Create(ctx context.Context, sessionID, initialAgentID string) (*memory.Session, error) {
	var out *memory.Session
	err := s.exec(ctx, "create", func(st memory.Store) error {
		var err error
		out, err = st.Create(ctx, sessionID, initialAgentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SessionStarted(ctx)
	return out, nil
}

// Get returns the session or [memory.ErrSessionNotFound].
func (s *Service) Get(ctx context.Context, sessionID string) (*memory.Session, error) {
	var out *memory.Session
	err := s.exec(ctx, "get", func(st memory.Store) error {
		var err error
		out, err = st.Get(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Memory returns the session's memory map.
func (s *Service) Memory(ctx context.Context, sessionID string) (memory.SessionMemory, error) {
	var out memory.SessionMemory
	err := s.exec(ctx, "get_memory", func(st memory.Store) error {
		var err error
		out, err = st.GetMemory(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMemory merges patch into the session's memory atomically and returns
// the updated session.
func (s *Service) UpdateMemory(ctx context.Context, sessionID string, patch map[string]any) (*memory.Session, error) {
	var out *memory.Session
	err := s.exec(ctx, "update_memory", func(st memory.Store) error {
		var err error
		out, err = st.UpdateMemory(ctx, sessionID, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Touch refreshes the session's TTL and LastActivity without changing its
// memory.
func (s *Service) Touch(ctx context.Context, sessionID string) error {
	_, err := s.UpdateMemory(ctx, sessionID, nil)
	return err
}

// Transfer moves the session to toAgentID: it verifies the target is healthy
// in the registry, merges contextPatch (if any) into session memory, and
// records the new current agent. On a health or lookup failure the session
// is left unchanged and an error is returned.
func (s *Service) Transfer(ctx context.Context, sessionID, toAgentID string, contextPatch map[string]any) (*memory.Session, error) {
	info, err := s.registry.Get(ctx, toAgentID)
	if err != nil {
		return nil, fmt.Errorf("sessions: transfer target lookup: %w", err)
	}
	if !info.HealthyAt(time.Now(), registry.DefaultHealthyWindow) {
		return nil, fmt.Errorf("sessions: transfer to %q: %w", toAgentID, ErrTargetUnhealthy)
	}

	if len(contextPatch) > 0 {
		if _, err := s.UpdateMemory(ctx, sessionID, contextPatch); err != nil {
			return nil, err
		}
	}
	if err := s.exec(ctx, "set_current_agent", func(st memory.Store) error {
		return st.SetCurrentAgent(ctx, sessionID, toAgentID)
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, sessionID)
}

// Reassign records toAgentID as the session's current agent without the
// health verification [Service.Transfer] performs. The gateway calls it at
// the end of a live handoff, once the target agent has already accepted the
// session on its own connection.
func (s *Service) Reassign(ctx context.Context, sessionID, toAgentID string) error {
	return s.exec(ctx, "set_current_agent", func(st memory.Store) error {
		return st.SetCurrentAgent(ctx, sessionID, toAgentID)
	})
}

// Delete removes the session and cancels any pending grace timer.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	s.CancelGrace(sessionID)
	err := s.exec(ctx, "delete", func(st memory.Store) error {
		return st.Delete(ctx, sessionID)
	})
	if err != nil {
		return err
	}
	s.metrics.SessionEnded(ctx)
	return nil
}

// Ping reports whether the primary store is reachable. It bypasses the
// breaker and retry so health probes answer promptly.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── disconnect grace ──

// StartGrace schedules cleanup to run once the grace period elapses, unless
// cancelled first. Scheduling again for the same session resets the timer;
// the earlier cleanup is discarded.
func (s *Service) StartGrace(sessionID string, cleanup func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(s.gracePeriod, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()
		cleanup()
	})
}

// CancelGrace stops a pending cleanup. It reports whether a cleanup was
// pending and is now guaranteed not to run.
func (s *Service) CancelGrace(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[sessionID]
	if !ok {
		return false
	}
	delete(s.timers, sessionID)
	return t.Stop()
}

// Close stops all pending grace timers (without running their cleanups) and
// releases the fallback store. The service must not be used afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return s.fallback.Close()
}
