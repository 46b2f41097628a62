// Package mock provides a test double for the embeddings.Provider interface.
//
// The mock produces deterministic vectors derived from the input text, so
// tests can assert on stable values without a live backend.
package mock

import (
	"context"
	"sync"

	"github.com/openwear/earstream/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider. The zero value
// produces 4-dimensional vectors seeded from the text bytes.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector length. Defaults to 4 when zero.
	Dims int

	// Err, if non-nil, is returned by every Embed call.
	Err error

	// EmbedFunc, if set, overrides the deterministic default.
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedCalls records the texts slice of every Embed invocation.
	EmbedCalls [][]string
}

// Embed records the call and returns one deterministic vector per text.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	recorded := make([]string, len(texts))
	copy(recorded, texts)
	p.EmbedCalls = append(p.EmbedCalls, recorded)
	fn := p.EmbedFunc
	errOut := p.Err
	dims := p.dims()
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts)
	}
	if errOut != nil {
		return nil, errOut
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dims)
		for j := range vec {
			var sum float32
			for k := 0; k < len(text); k++ {
				sum += float32(text[k]) * float32(j+1)
			}
			vec[j] = sum / 1000
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embed" }

// CallCount returns how many times Embed was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

func (p *Provider) dims() int {
	if p.Dims == 0 {
		return 4
	}
	return p.Dims
}
