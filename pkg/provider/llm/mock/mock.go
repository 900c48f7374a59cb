// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the decision evaluator sends
// correct requests and to feed controlled responses without a live backend.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.Response{Content: "user provided account"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/parlorbank/voxgate/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the Request passed to Complete.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause Complete to return nil, nil.
// Set CompleteErr to inject errors.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.Response

	// CompleteResponses, when non-empty, is consumed one element per call
	// before falling back to CompleteResponse. Useful for multi-turn tests.
	CompleteResponses []*llm.Response

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteDelayCtx, when true, blocks Complete until ctx is done and
	// returns ctx.Err(). Used to exercise caller timeouts.
	CompleteDelayCtx bool

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	delay := p.CompleteDelayCtx
	err := p.CompleteErr
	var resp *llm.Response
	if len(p.CompleteResponses) > 0 {
		resp = p.CompleteResponses[0]
		p.CompleteResponses = p.CompleteResponses[1:]
	} else {
		resp = p.CompleteResponse
	}
	p.mu.Unlock()

	if delay {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return resp, err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
