// Package llm defines the Provider interface for the language-model backends
// used by post-conversation processing (title/summary generation, fact
// extraction).
//
// The pipeline only needs single-shot completions over a finished transcript,
// so the interface is deliberately small: one prompt in, one text out.
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Request carries one completion request.
type Request struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the user prompt.
	SystemPrompt string

	// Prompt is the user-role content driving the response. Must be
	// non-empty.
	Prompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests
	// the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider
	// default.
	MaxTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Name identifies the backend for logging and job error records.
	Name() string

	// Complete sends req to the model and waits for the full text
	// response. Returns an error if the request fails or ctx is cancelled
	// before the completion arrives.
	Complete(ctx context.Context, req Request) (string, error)
}
