// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify prompt construction and to feed
// controlled completions without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{Responses: []string{`{"title": "Coffee plans"}`}}
//	out, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/openwear/earstream/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the request passed to Complete.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider. Responses are consumed
// in order; once exhausted the last one repeats. The zero value returns ""
// with a nil error.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Responses is the sequence of completions returned by Complete.
	Responses []string

	// Err, if non-nil, is returned by every Complete call.
	Err error

	// CompleteFunc, if set, overrides the canned behaviour entirely.
	CompleteFunc func(ctx context.Context, req llm.Request) (string, error)

	calls []CompleteCall
	next  int
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Req: req})
	fn := p.CompleteFunc
	if fn == nil {
		defer p.mu.Unlock()
		if p.Err != nil {
			return "", p.Err
		}
		if len(p.Responses) == 0 {
			return "", nil
		}
		resp := p.Responses[p.next]
		if p.next < len(p.Responses)-1 {
			p.next++
		}
		return resp, nil
	}
	p.mu.Unlock()
	return fn(ctx, req)
}

// Calls returns a copy of every recorded Complete invocation.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.calls))
	copy(out, p.calls)
	return out
}
