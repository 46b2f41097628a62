// Package ollama provides an embeddings provider backed by a local Ollama
// server, via its native /api/embed endpoint. Suitable models include
// nomic-embed-text, mxbai-embed-large, and all-minilm.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vecs, err := p.Embed(ctx, []string{"drinks oat milk"})
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openwear/earstream/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// knownDimensions maps recognised Ollama embedding models to their vector
// lengths, sparing a probe request.
var knownDimensions = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
	"bge-m3":            1024,
}

// Provider implements [embeddings.Provider] using a local Ollama server.
//
// Dimension resolution order: the WithDimensions option, then the built-in
// table for recognised models, then a one-off probe embed cached for the
// lifetime of the Provider.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	dimensions int
	detectOnce sync.Once
	detectErr  error
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions pre-sets the embedding dimension, bypassing the look-up
// table and the probe request for unknown models.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// New constructs an Ollama Provider. An empty baseURL means DefaultBaseURL;
// model must not be empty.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	p := &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		dimensions: cfg.dimensions,
	}
	if p.dimensions == 0 {
		if d, ok := knownDimensions[baseModelName(model)]; ok {
			p.dimensions = d
		}
	}
	return p, nil
}

// embedRequest is the payload of POST /api/embed.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the subset of the /api/embed response we consume.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: read response: %w", err)
	}

	var parsed embedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != "" {
			return nil, fmt.Errorf("ollama embeddings: server error (status %d): %s", resp.StatusCode, parsed.Error)
		}
		return nil, fmt.Errorf("ollama embeddings: unexpected status %d", resp.StatusCode)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: expected %d embeddings, got %d", len(texts), len(parsed.Embeddings))
	}
	return parsed.Embeddings, nil
}

// Dimensions implements [embeddings.Provider]. For unknown models the first
// call issues a probe embed to measure the vector length.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	p.detectOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		vecs, err := p.Embed(ctx, []string{"dimension probe"})
		if err != nil {
			p.detectErr = err
			return
		}
		if len(vecs) > 0 {
			p.dimensions = len(vecs[0])
		}
	})
	return p.dimensions
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string {
	return p.model
}

// baseModelName strips an Ollama tag suffix ("nomic-embed-text:latest").
func baseModelName(model string) string {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		return model[:i]
	}
	return model
}
