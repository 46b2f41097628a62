// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text strings to dense float32 vectors. The
// fact memory layer embeds extracted facts before upserting them into the
// vector store, so the interface is batch-first: fact extraction always
// produces several statements at once.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different models
// must never be mixed in one similarity computation.
type Provider interface {
	// Embed computes the embedding vector for each input text in one
	// provider call. The returned slice has the same length as texts and
	// the i-th element corresponds to texts[i]. Partial results are not
	// returned: on error the entire slice is nil.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces, constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging
	// and for ensuring one consistent model per vector table.
	ModelID() string
}
