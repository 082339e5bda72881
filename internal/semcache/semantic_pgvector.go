package semcache

import (
	"context"
	"database/sql"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	gateway "github.com/gaud/gaud/internal"
)

// PGVectorStore is the primary SemanticStore, backed by a Postgres sidecar
// with the pgvector extension. Grounded on the ANN query/insert shape in
// the example pack's pgvector-go usage (store embeddings as a vector
// column, query with the <=> cosine-distance operator and an HNSW index).
type PGVectorStore struct {
	db *sql.DB
}

// NewPGVectorStore returns a PGVectorStore against db. The caller is
// expected to have already run the migration creating the cache_vectors
// table (embedding vector, model, system_prompt_hash,
// tool_definitions_hash, exact_hash, created_at) with an HNSW index on
// embedding using vector_cosine_ops.
func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

func (s *PGVectorStore) Query(ctx context.Context, filter VectorFilter, vec []float32, topK int) ([]Neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exact_hash, model, response_json, created_at, hit_count, last_hit,
		       1 - (embedding <=> $1) AS score
		FROM cache_vectors
		WHERE model = $2 AND system_prompt_hash = $3 AND tool_definitions_hash = $4
		ORDER BY embedding <=> $1
		LIMIT $5`,
		pgvector.NewVector(vec), filter.Model, filter.SystemPromptHash, filter.ToolDefinitionsHash, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("semcache: pgvector query: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var e gateway.CacheEntry
		var score float64
		if err := rows.Scan(&e.ExactHash, &e.Model, &e.ResponseJSON, &e.CreatedAt, &e.HitCount, &e.LastHit, &score); err != nil {
			return nil, fmt.Errorf("semcache: scan pgvector row: %w", err)
		}
		out = append(out, Neighbor{Entry: &e, Score: score})
	}
	return out, rows.Err()
}

func (s *PGVectorStore) Insert(ctx context.Context, filter VectorFilter, vec []float32, entry *gateway.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_vectors
			(exact_hash, model, system_prompt_hash, tool_definitions_hash, embedding, response_json, created_at, hit_count, last_hit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (exact_hash) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			response_json = EXCLUDED.response_json,
			last_hit = EXCLUDED.last_hit`,
		entry.ExactHash, filter.Model, filter.SystemPromptHash, filter.ToolDefinitionsHash,
		pgvector.NewVector(vec), entry.ResponseJSON, entry.CreatedAt, entry.HitCount, entry.LastHit,
	)
	if err != nil {
		return fmt.Errorf("semcache: pgvector insert: %w", err)
	}
	return nil
}
