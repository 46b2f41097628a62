// Package memory defines the long-term fact store fed by the
// post-conversation pipeline. Facts are short natural-language statements
// extracted from finalized transcripts, embedded, and stored per user;
// retrieval is embedding similarity search.
//
// The interface is public so that alternative backends (Postgres/pgvector,
// in-memory, …) can be supplied. Every implementation must be safe for
// concurrent use.
package memory

import (
	"context"
	"time"
)

// Fact is one extracted statement about a user's life or surroundings.
type Fact struct {
	// Content is the fact text, e.g. "Prefers oat milk in coffee".
	Content string

	// Embedding is the vector representation of Content. Dimension must
	// match the store configuration.
	Embedding []float32

	// Metadata carries provenance, typically the conversation id and
	// extraction timestamp.
	Metadata map[string]string
}

// FactResult is a search hit with its cosine distance to the query
// embedding (smaller is more similar).
type FactResult struct {
	Fact
	Distance  float64
	CreatedAt time.Time
}

// Store persists and retrieves facts per user.
type Store interface {
	// Upsert inserts facts for the user. A fact with the same content as
	// an existing one replaces it (embedding and metadata included) rather
	// than duplicating it.
	Upsert(ctx context.Context, userID string, facts []Fact) error

	// Search returns the topK facts of the user closest to the query
	// embedding, most similar first.
	Search(ctx context.Context, userID string, embedding []float32, topK int) ([]FactResult, error)
}
