// Package mock provides a test double for the s2s.Session interface.
//
// Pre-populate EventsCh (or use Emit) to script what the model side sends,
// then inspect the recorded calls to verify what the code under test pushed
// into the session.
//
// Example:
//
//	sess := mock.NewSession()
//	sess.Emit(s2s.Transcript{Role: "assistant", Text: "Hello", IsFinal: true})
//	runtime.Attach(sess)
//	// ... assert on sess.SendTextCalls
package mock

import (
	"context"
	"sync"

	"github.com/parlorbank/voxgate/pkg/provider/s2s"
)

// Ensure Session implements s2s.Session at compile time.
var _ s2s.Session = (*Session)(nil)

// StartCall records a single invocation of Session.Start.
type StartCall struct {
	// Ctx is the context passed to Start.
	Ctx context.Context
	// SessionID is the identifier passed to Start.
	SessionID string
}

// ToolResultCall records a single invocation of Session.SendToolResult.
type ToolResultCall struct {
	// ToolUseID is the invocation id the result answers.
	ToolUseID string
	// Payload is the result document passed to SendToolResult.
	Payload map[string]any
	// IsError is the error flag passed to SendToolResult.
	IsError bool
}

// Session is a mock implementation of s2s.Session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel;
	// Stop closes it once, matching the real session contract.
	EventsCh chan s2s.Event

	// --- Configurable results ---

	// ConfigureErr, if non-nil, is returned by every Configure call.
	ConfigureErr error

	// StartErr, if non-nil, is returned by every Start call.
	StartErr error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// UpdateSystemPromptErr, if non-nil, is returned by every
	// UpdateSystemPrompt call.
	UpdateSystemPromptErr error

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// ErrResult is returned by Err.
	ErrResult error

	// --- Call records ---

	// ConfigureCalls records the configuration passed to each Configure call.
	ConfigureCalls []s2s.SessionConfig

	// StartCalls records every call to Start in order.
	StartCalls []StartCall

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// SendTextCalls records every text passed to SendText in order.
	SendTextCalls []string

	// SendToolResultCalls records every call to SendToolResult in order.
	SendToolResultCalls []ToolResultCall

	// UpdateSystemPromptCalls records every prompt passed to
	// UpdateSystemPrompt in order.
	UpdateSystemPromptCalls []string

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	closeOnce sync.Once
}

// NewSession returns a Session with a buffered events channel ready for
// scripting.
func NewSession() *Session {
	return &Session{EventsCh: make(chan s2s.Event, 64)}
}

// Emit pushes one event onto EventsCh. Panics if the buffer is full, which
// in a test means the code under test stopped draining.
func (s *Session) Emit(ev s2s.Event) {
	select {
	case s.EventsCh <- ev:
	default:
		panic("mock: events channel full; is the session being drained?")
	}
}

// CloseEvents closes EventsCh once. Safe alongside Stop.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.EventsCh) })
}

// Configure records the call and returns ConfigureErr.
func (s *Session) Configure(cfg s2s.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConfigureCalls = append(s.ConfigureCalls, cfg)
	return s.ConfigureErr
}

// Start records the call and returns StartErr.
func (s *Session) Start(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls = append(s.StartCalls, StartCall{Ctx: ctx, SessionID: sessionID})
	return s.StartErr
}

// SendAudio records a copy of the chunk and returns SendAudioErr.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// SendToolResult records the call and returns SendToolResultErr.
func (s *Session) SendToolResult(toolUseID string, payload map[string]any, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendToolResultCalls = append(s.SendToolResultCalls, ToolResultCall{
		ToolUseID: toolUseID,
		Payload:   payload,
		IsError:   isError,
	})
	return s.SendToolResultErr
}

// UpdateSystemPrompt records the call and returns UpdateSystemPromptErr.
func (s *Session) UpdateSystemPrompt(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateSystemPromptCalls = append(s.UpdateSystemPromptCalls, text)
	return s.UpdateSystemPromptErr
}

// Stop records the call, closes EventsCh and returns StopErr.
func (s *Session) Stop(context.Context) error {
	s.mu.Lock()
	s.StopCallCount++
	err := s.StopErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// Events returns EventsCh.
func (s *Session) Events() <-chan s2s.Event { return s.EventsCh }

// Err returns ErrResult.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Reset clears all recorded calls. Thread-safe.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConfigureCalls = nil
	s.StartCalls = nil
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.SendToolResultCalls = nil
	s.UpdateSystemPromptCalls = nil
	s.StopCallCount = 0
}
