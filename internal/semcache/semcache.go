// Package semcache implements response caching for chat completions: an
// exact tier keyed on a canonical request hash, and an optional semantic
// tier that matches near-duplicate prompts by embedding cosine similarity.
//
// It generalizes internal/server/cache.go's cacheKey/isCacheable helpers
// (originally per-API-key-scoped HTTP-layer functions) into a standalone,
// model/system/tool-scoped cache with its own storage and eviction policy.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

// Config controls cache eligibility and the semantic tier.
type Config struct {
	Mode              Mode
	SkipModels        map[string]bool
	SkipToolRequests  bool
	SemanticThreshold float64 // cosine similarity, default 0.92
	MaxEntries        int
	TTL               time.Duration
}

// Mode selects which tiers are active.
type Mode int

const (
	ModeExact Mode = iota
	ModeSemantic
)

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeExact,
		SemanticThreshold: 0.92,
		MaxEntries:        10_000,
		TTL:               24 * time.Hour,
	}
}

// ExactStore persists exact-hash cache rows.
type ExactStore interface {
	Get(ctx context.Context, hash string) (*gateway.CacheEntry, bool, error)
	Put(ctx context.Context, entry *gateway.CacheEntry) error
	TouchHit(ctx context.Context, hash string) error
	Count(ctx context.Context) (int, error)
	EvictLRU(ctx context.Context, n int) error
	DeleteExpired(ctx context.Context, olderThan time.Time) (int, error)
	Purge(ctx context.Context) error
}

// Cache is the semantic response cache. It always maintains the exact tier;
// the semantic tier activates when cfg.Mode is ModeSemantic and a
// SemanticStore + Embedder are supplied via WithSemanticTier.
type Cache struct {
	cfg   Config
	exact ExactStore
	sem   *semanticTier
}

// New returns a Cache with only the exact tier active.
func New(cfg Config, exact ExactStore) *Cache {
	return &Cache{cfg: cfg, exact: exact}
}

// WithSemanticTier activates the semantic tier on c.
func (c *Cache) WithSemanticTier(store SemanticStore, embedder Embedder) *Cache {
	c.sem = &semanticTier{store: store, embedder: embedder}
	c.cfg.Mode = ModeSemantic
	return c
}

// Purge clears the exact tier. The semantic tier's store has no bulk clear
// operation and is left as it is.
func (c *Cache) Purge(ctx context.Context) error {
	return c.exact.Purge(ctx)
}

// Eligible reports whether req qualifies for caching at all: not streaming,
// single completion, and not in the model skip list or carrying tool
// definitions when SkipToolRequests is set.
func (c *Cache) Eligible(req *gateway.ChatRequest) bool {
	if req.Stream || req.N > 1 {
		return false
	}
	if c.cfg.SkipModels[req.Model] {
		return false
	}
	if c.cfg.SkipToolRequests && len(req.Tools) > 0 {
		return false
	}
	return true
}

// Lookup tries the exact tier, then the semantic tier (when configured), and
// reports a hit plus the entry's cached response.
func (c *Cache) Lookup(ctx context.Context, req *gateway.ChatRequest) (*gateway.CacheEntry, bool, error) {
	hash := ExactHash(req)

	entry, ok, err := c.exact.Get(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	if ok {
		_ = c.exact.TouchHit(ctx, hash)
		return entry, true, nil
	}

	if c.cfg.Mode != ModeSemantic || c.sem == nil {
		return nil, false, nil
	}
	return c.sem.lookup(ctx, req, c.cfg.SemanticThreshold)
}

// Store inserts resp into the cache for req, provided resp contains at
// least one choice with finish_reason "stop". If the exact tier exceeds
// MaxEntries after insert, the lowest hit-count/oldest rows are evicted.
func (c *Cache) Store(ctx context.Context, req *gateway.ChatRequest, respJSON []byte, hasStopChoice bool) error {
	if !hasStopChoice || !c.Eligible(req) {
		return nil
	}

	hash := ExactHash(req)
	entry := &gateway.CacheEntry{
		ExactHash:    hash,
		Model:        req.Model,
		ResponseJSON: respJSON,
		CreatedAt:    time.Now().UTC(),
		LastHit:      time.Now().UTC(),
	}
	if err := c.exact.Put(ctx, entry); err != nil {
		return err
	}

	if c.cfg.Mode == ModeSemantic && c.sem != nil {
		if err := c.sem.store(ctx, req, entry); err != nil {
			return err
		}
	}

	count, err := c.exact.Count(ctx)
	if err != nil {
		return err
	}
	if c.cfg.MaxEntries > 0 && count > c.cfg.MaxEntries {
		return c.exact.EvictLRU(ctx, count-c.cfg.MaxEntries)
	}
	return nil
}

// ExactHash computes the canonical "v1:sha256(...)" cache key for req:
// model, flattened messages, temperature rounded to 2 decimals, max_tokens,
// tools, and tool_choice. Unlike the teacher's cacheKey, this hash is not
// scoped to a caller's API key — the cache is shared across keys that see
// the same model/system/tool configuration.
func ExactHash(req *gateway.ChatRequest) string {
	m := map[string]any{
		"model":    req.Model,
		"messages": flattenMessages(req.Messages),
	}
	if req.Temperature != nil {
		m["temperature"] = roundTo2(*req.Temperature)
	}
	if req.MaxTokens != nil {
		m["max_tokens"] = *req.MaxTokens
	}
	if len(req.Tools) > 0 {
		m["tools"] = json.RawMessage(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		m["tool_choice"] = json.RawMessage(req.ToolChoice)
	}

	data := stableJSON(m)
	sum := sha256.Sum256(data)
	return "v1:" + hex.EncodeToString(sum[:])
}

type flatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// flattenMessages reduces each message to role + trimmed text content, so
// cosmetic whitespace differences in the client payload don't defeat the
// exact-match tier.
func flattenMessages(msgs []gateway.Message) []flatMessage {
	out := make([]flatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = flatMessage{Role: m.Role, Content: strings.TrimSpace(flattenContent(m.Content))}
	}
	return out
}

// flattenContent extracts plain text from a Message.Content field, which
// may be a JSON string or a JSON array of content parts.
func flattenContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

func roundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}

func stableJSON(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].Key = k
		ordered[i].Value = m[k]
	}

	data, _ := json.Marshal(ordered)
	return data
}
