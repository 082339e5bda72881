package semcache

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/maypok86/otter/v2"
	pgvector "github.com/pgvector/pgvector-go"

	gateway "github.com/gaud/gaud/internal"
)

// Embedder produces a vector embedding for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticStore is an ANN-backed vector index scoped by (model,
// system_prompt_hash, tool_definitions_hash). The pgvector-backed
// implementation (semantic_pgvector.go) is the primary store; BruteForceStore
// is the pure-Go degraded path used when no Postgres sidecar is configured.
type SemanticStore interface {
	Query(ctx context.Context, filter VectorFilter, vec []float32, topK int) ([]Neighbor, error)
	Insert(ctx context.Context, filter VectorFilter, vec []float32, entry *gateway.CacheEntry) error
}

// VectorFilter scopes an ANN query to entries computed under the same
// model, system prompt, and tool definitions.
type VectorFilter struct {
	Model               string
	SystemPromptHash    string
	ToolDefinitionsHash string
}

// Neighbor is a scored ANN search result.
type Neighbor struct {
	Entry *gateway.CacheEntry
	Score float64 // cosine similarity, higher is closer
}

type semanticTier struct {
	store    SemanticStore
	embedder Embedder
}

func (t *semanticTier) lookup(ctx context.Context, req *gateway.ChatRequest, threshold float64) (*gateway.CacheEntry, bool, error) {
	text := semanticText(req)
	vec, err := t.embedder.Embed(ctx, text)
	if err != nil {
		return nil, false, fmt.Errorf("semcache: embed query: %w", err)
	}
	if err := validateVector(vec); err != nil {
		return nil, false, fmt.Errorf("%w: %v", gateway.ErrCacheInvalidVector, err)
	}

	filter := VectorFilter{Model: req.Model}
	neighbors, err := t.store.Query(ctx, filter, vec, 1)
	if err != nil {
		return nil, false, fmt.Errorf("semcache: ann query: %w", err)
	}
	if len(neighbors) == 0 || neighbors[0].Score < threshold {
		return nil, false, nil
	}
	return neighbors[0].Entry, true, nil
}

func (t *semanticTier) store(ctx context.Context, req *gateway.ChatRequest, entry *gateway.CacheEntry) error {
	text := semanticText(req)
	vec, err := t.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("semcache: embed for store: %w", err)
	}
	if err := validateVector(vec); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrCacheInvalidVector, err)
	}
	entry.SemanticText = text
	entry.Embedding = vec

	filter := VectorFilter{Model: req.Model}
	return t.store.Insert(ctx, filter, vec, entry)
}

// maxSemanticTextLen bounds the embedded text, per spec.
const maxSemanticTextLen = 8192

// semanticText builds the embedding input: system prompt + last user
// message, truncated to maxSemanticTextLen.
func semanticText(req *gateway.ChatRequest) string {
	var system, lastUser string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = flattenContent(m.Content)
		case "user":
			lastUser = flattenContent(m.Content)
		}
	}
	text := system + "\n---\n" + lastUser
	if len(text) > maxSemanticTextLen {
		text = text[:maxSemanticTextLen]
	}
	return text
}

// validateVector rejects embeddings that are empty, contain non-finite
// values, or are not unit-normalized within tolerance — guards against a
// misbehaving embedder silently corrupting the ANN index.
func validateVector(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding")
	}
	var sumSq float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite component")
		}
		sumSq += f * f
	}
	mag := math.Sqrt(sumSq)
	if math.Abs(mag-1.0) > 1e-3 {
		return fmt.Errorf("embedding not normalized: magnitude %.4f", mag)
	}
	return nil
}

// toPgvector converts a float32 slice into the pgvector-go wire type used
// by the Postgres-backed SemanticStore.
func toPgvector(vec []float32) pgvector.Vector {
	return pgvector.NewVector(vec)
}

// BruteForceStore is the pure-Go degraded path: an in-process bound of
// recent embeddings scanned linearly for cosine similarity. Used when no
// Postgres sidecar is configured for the pgvector-backed tier, since
// neither modernc.org/sqlite (no cgo, no sqlite-vec extension available
// pure-Go) nor any other pack dependency offers an embedded ANN index.
//
// otter's Cache gives O(1) lookup/eviction by key but no built-in
// iteration, and a brute-force scan needs to visit every row regardless;
// rows are kept in a capped FIFO slice under the same lock, with otter
// reused underneath only for its key->row point lookups.
type BruteForceStore struct {
	mu      sync.RWMutex
	cache   *otter.Cache[string, bruteForceRow]
	order   []string
	maxSize int
}

type bruteForceRow struct {
	filter VectorFilter
	vec    []float32
	entry  *gateway.CacheEntry
}

// NewBruteForceStore returns a BruteForceStore holding at most maxSize
// recent embeddings.
func NewBruteForceStore(maxSize int) (*BruteForceStore, error) {
	c, err := otter.New[string, bruteForceRow](&otter.Options[string, bruteForceRow]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("semcache: create brute force store: %w", err)
	}
	return &BruteForceStore{cache: c, maxSize: maxSize}, nil
}

func (s *BruteForceStore) Query(_ context.Context, filter VectorFilter, vec []float32, topK int) ([]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best []Neighbor
	for _, key := range s.order {
		row, ok := s.cache.GetIfPresent(key)
		if !ok || row.filter != filter {
			continue
		}
		best = append(best, Neighbor{Entry: row.entry, Score: cosineSimilarity(vec, row.vec)})
	}

	sortNeighborsDesc(best)
	if len(best) > topK {
		best = best[:topK]
	}
	return best, nil
}

func (s *BruteForceStore) Insert(_ context.Context, filter VectorFilter, vec []float32, entry *gateway.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.ExactHash
	if _, exists := s.cache.GetIfPresent(key); !exists {
		s.order = append(s.order, key)
		if len(s.order) > s.maxSize {
			evict := s.order[0]
			s.order = s.order[1:]
			s.cache.Invalidate(evict)
		}
	}
	s.cache.Set(key, bruteForceRow{filter: filter, vec: vec, entry: entry})
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return -1
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func sortNeighborsDesc(n []Neighbor) {
	for i := 1; i < len(n); i++ {
		for j := i; j > 0 && n[j].Score > n[j-1].Score; j-- {
			n[j], n[j-1] = n[j-1], n[j]
		}
	}
}
