// Package postgres provides a PostgreSQL-backed implementation of the fact
// memory store on top of pgvector. The pgvector extension must be available
// in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/openwear/earstream/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

const ddlMemoryFacts = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_facts (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (user_id, content)
);

CREATE INDEX IF NOT EXISTS idx_memory_facts_user_id
    ON memory_facts (user_id);

CREATE INDEX IF NOT EXISTS idx_memory_facts_embedding
    ON memory_facts USING hnsw (embedding vector_cosine_ops);
`

// Store is the pgvector-backed fact store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the embedding
// model producing [memory.Fact.Embedding] values (e.g. 1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("fact store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("fact store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fact store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fact store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate installs the pgvector extension and creates the memory_facts
// table and its HNSW index if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	ddl := fmt.Sprintf(ddlMemoryFacts, embeddingDimensions)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("fact store: migrate memory_facts: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Upsert implements [memory.Store]. Facts whose content already exists for
// the user are replaced, so re-running an extraction is idempotent.
func (s *Store) Upsert(ctx context.Context, userID string, facts []memory.Fact) error {
	const q = `
		INSERT INTO memory_facts (user_id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, content) DO UPDATE SET
		    embedding = EXCLUDED.embedding,
		    metadata  = EXCLUDED.metadata`

	for _, f := range facts {
		meta := f.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		_, err := s.pool.Exec(ctx, q, userID, f.Content, pgvector.NewVector(f.Embedding), meta)
		if err != nil {
			return fmt.Errorf("fact store: upsert for %s: %w", userID, err)
		}
	}
	return nil
}

// Search implements [memory.Store]. Results are ordered by ascending cosine
// distance (most similar first).
func (s *Store) Search(ctx context.Context, userID string, embedding []float32, topK int) ([]memory.FactResult, error) {
	const q = `
		SELECT content, embedding, metadata, created_at,
		       embedding <=> $2 AS distance
		FROM   memory_facts
		WHERE  user_id = $1
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("fact store: search for %s: %w", userID, err)
	}
	defer rows.Close()

	results := []memory.FactResult{}
	for rows.Next() {
		var (
			r   memory.FactResult
			vec pgvector.Vector
		)
		if err := rows.Scan(&r.Content, &vec, &r.Metadata, &r.CreatedAt, &r.Distance); err != nil {
			return nil, fmt.Errorf("fact store: scan result: %w", err)
		}
		r.Embedding = vec.Slice()
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fact store: search for %s: %w", userID, err)
	}
	return results, nil
}
