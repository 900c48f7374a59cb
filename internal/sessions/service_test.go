package sessions_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlorbank/voxgate/internal/registry"
	registrymock "github.com/parlorbank/voxgate/internal/registry/mock"
	"github.com/parlorbank/voxgate/internal/resilience"
	"github.com/parlorbank/voxgate/internal/sessions"
	"github.com/parlorbank/voxgate/pkg/memory"
	"github.com/parlorbank/voxgate/pkg/memory/inmem"
	memorymock "github.com/parlorbank/voxgate/pkg/memory/mock"
)

func newService(t *testing.T, st memory.Store, reg registry.Store, opts ...sessions.Option) *sessions.Service {
	t.Helper()
	svc := sessions.New(st, reg, opts...)
	t.Cleanup(func() { svc.Close() })
	return svc
}

// fastResilience trips the breaker after one failed call and keeps retry
// delays out of the test runtime.
func fastResilience() []sessions.Option {
	return []sessions.Option{
		sessions.WithRetry(resilience.RetryConfig{Attempts: 2, InitialDelay: time.Millisecond}),
		sessions.WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
			HalfOpenMax:  1,
		}),
	}
}

func healthyAgent(id string) registry.AgentInfo {
	return registry.AgentInfo{
		AgentID:       id,
		URL:           "ws://localhost:9100/session",
		Status:        registry.StatusHealthy,
		Capabilities:  []string{id},
		LastHeartbeat: time.Now(),
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := inmem.New(inmem.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { st.Close() })
	svc := newService(t, st, &registrymock.Store{})

	ctx := context.Background()
	sess, err := svc.Create(ctx, "sess-1", "triage")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sess.SessionID != "sess-1" || sess.CurrentAgentID != "triage" {
		t.Fatalf("Create() = %q/%q, want sess-1/triage", sess.SessionID, sess.CurrentAgentID)
	}

	if _, err := svc.Get(ctx, "sess-1"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	updated, err := svc.UpdateMemory(ctx, "sess-1", map[string]any{"caller_name": "Ada"})
	if err != nil {
		t.Fatalf("UpdateMemory() error: %v", err)
	}
	if got := updated.Memory["caller_name"]; got != "Ada" {
		t.Errorf("Memory[caller_name] = %v, want Ada", got)
	}

	mem, err := svc.Memory(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Memory() error: %v", err)
	}
	if got := mem["caller_name"]; got != "Ada" {
		t.Errorf("Memory()[caller_name] = %v, want Ada", got)
	}

	// Touch refreshes LastActivity without altering memory.
	now = now.Add(5 * time.Second)
	if err := svc.Touch(ctx, "sess-1"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	got, err := svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() after Touch error: %v", err)
	}
	if !got.LastActivity.Equal(now) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, now)
	}
	if got.Memory["caller_name"] != "Ada" {
		t.Errorf("Touch altered memory: %v", got.Memory)
	}

	if err := svc.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := svc.Get(ctx, "sess-1"); !errors.Is(err, memory.ErrSessionNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrSessionNotFound", err)
	}
}

func TestDomainErrorsPassThroughWithoutRetry(t *testing.T) {
	t.Parallel()

	primary := &memorymock.Store{}
	svc := newService(t, primary, &registrymock.Store{}, fastResilience()...)

	_, err := svc.Get(context.Background(), "missing")
	if !errors.Is(err, memory.ErrSessionNotFound) {
		t.Fatalf("Get() error = %v, want ErrSessionNotFound", err)
	}
	if got := primary.CallCount("Get"); got != 1 {
		t.Errorf("Get call count = %d, want 1 (domain errors must not be retried)", got)
	}
	if svc.Degraded() {
		t.Error("Degraded() = true, want false after a domain error")
	}
}

func TestStorageFailureDegradesToFallback(t *testing.T) {
	t.Parallel()

	primary := &memorymock.Store{
		CreateErr: memory.ErrStorageUnavailable,
		GetErr:    memory.ErrStorageUnavailable,
	}
	svc := newService(t, primary, &registrymock.Store{}, fastResilience()...)

	ctx := context.Background()
	sess, err := svc.Create(ctx, "sess-1", "triage")
	if err != nil {
		t.Fatalf("Create() error: %v, want fallback to absorb the outage", err)
	}
	if sess.SessionID != "sess-1" {
		t.Fatalf("Create() SessionID = %q, want sess-1", sess.SessionID)
	}
	if !svc.Degraded() {
		t.Error("Degraded() = false, want true after the breaker opened")
	}
	if got := primary.CallCount("Create"); got != 2 {
		t.Errorf("primary Create call count = %d, want 2 (retry budget)", got)
	}

	// Breaker is open now: reads are served by the fallback without touching
	// the primary.
	got, err := svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.CurrentAgentID != "triage" {
		t.Errorf("CurrentAgentID = %q, want triage", got.CurrentAgentID)
	}
	if got := primary.CallCount("Get"); got != 0 {
		t.Errorf("primary Get call count = %d, want 0 while the breaker is open", got)
	}
}

func TestPrimaryRecoveryClosesBreaker(t *testing.T) {
	t.Parallel()

	primary := &memorymock.Store{GetErr: memory.ErrStorageUnavailable}
	svc := newService(t, primary, &registrymock.Store{},
		sessions.WithRetry(resilience.RetryConfig{Attempts: 1, InitialDelay: time.Millisecond}),
		sessions.WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  1,
		}),
	)

	ctx := context.Background()
	if _, err := svc.Get(ctx, "sess-1"); err == nil {
		t.Fatal("Get() expected error while primary is down and fallback is empty")
	}
	if !svc.Degraded() {
		t.Fatal("Degraded() = false, want true after the breaker opened")
	}

	// Primary comes back; the half-open probe should reach it and close the
	// breaker again.
	time.Sleep(20 * time.Millisecond)
	primary.GetErr = nil
	primary.GetResult = memory.NewSession("sess-1", "triage", time.Now())

	got, err := svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() after recovery error: %v", err)
	}
	if got.CurrentAgentID != "triage" {
		t.Errorf("CurrentAgentID = %q, want triage", got.CurrentAgentID)
	}
	if svc.Degraded() {
		t.Error("Degraded() = true, want false after the probe succeeded")
	}
}

func TestTransferMovesSession(t *testing.T) {
	t.Parallel()

	st := inmem.New()
	t.Cleanup(func() { st.Close() })
	reg := &registrymock.Store{Agents: []registry.AgentInfo{healthyAgent("banking")}}
	svc := newService(t, st, reg)

	ctx := context.Background()
	if _, err := svc.Create(ctx, "sess-1", "triage"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sess, err := svc.Transfer(ctx, "sess-1", "banking", map[string]any{"user_intent": "check balance"})
	if err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	if sess.CurrentAgentID != "banking" {
		t.Errorf("CurrentAgentID = %q, want banking", sess.CurrentAgentID)
	}
	if got := sess.Memory["user_intent"]; got != "check balance" {
		t.Errorf("Memory[user_intent] = %v, want check balance", got)
	}
}

func TestReassignSkipsHealthCheck(t *testing.T) {
	t.Parallel()

	st := inmem.New()
	t.Cleanup(func() { st.Close() })
	// Empty registry: Reassign must not consult it.
	svc := newService(t, st, &registrymock.Store{})

	ctx := context.Background()
	if _, err := svc.Create(ctx, "sess-1", "triage"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := svc.Reassign(ctx, "sess-1", "banking"); err != nil {
		t.Fatalf("Reassign() error: %v", err)
	}
	sess, err := svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess.CurrentAgentID != "banking" {
		t.Errorf("CurrentAgentID = %q, want banking", sess.CurrentAgentID)
	}
}

func TestTransferUnknownTarget(t *testing.T) {
	t.Parallel()

	primary := &memorymock.Store{}
	svc := newService(t, primary, &registrymock.Store{})

	_, err := svc.Transfer(context.Background(), "sess-1", "nonexistent", nil)
	if !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("Transfer() error = %v, want ErrAgentNotFound", err)
	}
	if got := primary.CallCount("SetCurrentAgent"); got != 0 {
		t.Errorf("SetCurrentAgent call count = %d, want 0", got)
	}
}

func TestTransferRejectsUnavailableTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		agent registry.AgentInfo
	}{
		{
			name: "status unhealthy",
			agent: registry.AgentInfo{
				AgentID:       "banking",
				Status:        registry.StatusUnhealthy,
				LastHeartbeat: time.Now(),
			},
		},
		{
			name: "stale heartbeat",
			agent: registry.AgentInfo{
				AgentID:       "banking",
				Status:        registry.StatusHealthy,
				LastHeartbeat: time.Now().Add(-2 * time.Minute),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := &memorymock.Store{}
			reg := &registrymock.Store{Agents: []registry.AgentInfo{tt.agent}}
			svc := newService(t, primary, reg)

			_, err := svc.Transfer(context.Background(), "sess-1", "banking", map[string]any{"k": "v"})
			if !errors.Is(err, sessions.ErrTargetUnhealthy) {
				t.Fatalf("Transfer() error = %v, want ErrTargetUnhealthy", err)
			}
			if got := primary.CallCount("UpdateMemory"); got != 0 {
				t.Errorf("UpdateMemory call count = %d, want 0 (session must be unchanged)", got)
			}
			if got := primary.CallCount("SetCurrentAgent"); got != 0 {
				t.Errorf("SetCurrentAgent call count = %d, want 0 (session must be unchanged)", got)
			}
		})
	}
}

func TestGraceCleanupRunsAfterPeriod(t *testing.T) {
	t.Parallel()

	svc := newService(t, &memorymock.Store{}, &registrymock.Store{},
		sessions.WithGracePeriod(15*time.Millisecond))

	done := make(chan struct{})
	svc.StartGrace("sess-1", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run after the grace period")
	}
}

func TestCancelGraceStopsCleanup(t *testing.T) {
	t.Parallel()

	svc := newService(t, &memorymock.Store{}, &registrymock.Store{},
		sessions.WithGracePeriod(30*time.Millisecond))

	if svc.CancelGrace("unknown") {
		t.Error("CancelGrace(unknown) = true, want false")
	}

	var ran atomic.Bool
	svc.StartGrace("sess-1", func() { ran.Store(true) })
	if !svc.CancelGrace("sess-1") {
		t.Fatal("CancelGrace() = false, want true for a pending cleanup")
	}

	time.Sleep(80 * time.Millisecond)
	if ran.Load() {
		t.Error("cleanup ran despite being cancelled")
	}
}

func TestStartGraceResetsPendingTimer(t *testing.T) {
	t.Parallel()

	svc := newService(t, &memorymock.Store{}, &registrymock.Store{},
		sessions.WithGracePeriod(40*time.Millisecond))

	var first atomic.Bool
	second := make(chan struct{})
	svc.StartGrace("sess-1", func() { first.Store(true) })
	time.Sleep(10 * time.Millisecond)
	svc.StartGrace("sess-1", func() { close(second) })

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement cleanup did not run")
	}
	if first.Load() {
		t.Error("discarded cleanup ran after being replaced")
	}
}

func TestDeleteCancelsGrace(t *testing.T) {
	t.Parallel()

	st := inmem.New()
	t.Cleanup(func() { st.Close() })
	svc := newService(t, st, &registrymock.Store{},
		sessions.WithGracePeriod(20*time.Millisecond))

	ctx := context.Background()
	if _, err := svc.Create(ctx, "sess-1", "triage"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	var ran atomic.Bool
	svc.StartGrace("sess-1", func() { ran.Store(true) })
	if err := svc.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if ran.Load() {
		t.Error("cleanup ran after the session was explicitly deleted")
	}
}

func TestCloseStopsPendingCleanups(t *testing.T) {
	t.Parallel()

	svc := sessions.New(&memorymock.Store{}, &registrymock.Store{},
		sessions.WithGracePeriod(15*time.Millisecond))

	var ran atomic.Bool
	svc.StartGrace("sess-1", func() { ran.Store(true) })
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// StartGrace after Close must not schedule anything.
	var late atomic.Bool
	svc.StartGrace("sess-2", func() { late.Store(true) })

	time.Sleep(60 * time.Millisecond)
	if ran.Load() {
		t.Error("pending cleanup ran after Close")
	}
	if late.Load() {
		t.Error("cleanup scheduled after Close ran")
	}
}

func TestPingBypassesBreaker(t *testing.T) {
	t.Parallel()

	primary := &memorymock.Store{PingErr: memory.ErrStorageUnavailable}
	svc := newService(t, primary, &registrymock.Store{}, fastResilience()...)

	if err := svc.Ping(context.Background()); !errors.Is(err, memory.ErrStorageUnavailable) {
		t.Fatalf("Ping() error = %v, want ErrStorageUnavailable", err)
	}
	if got := primary.CallCount("Ping"); got != 1 {
		t.Errorf("Ping call count = %d, want 1", got)
	}
}
