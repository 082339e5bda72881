package semcache

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

// fakeExactStore is an in-memory ExactStore for testing Cache without a
// database.
type fakeExactStore struct {
	mu   sync.Mutex
	rows map[string]*gateway.CacheEntry
}

func newFakeExactStore() *fakeExactStore {
	return &fakeExactStore{rows: make(map[string]*gateway.CacheEntry)}
}

func (f *fakeExactStore) Get(_ context.Context, hash string) (*gateway.CacheEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[hash]
	return e, ok, nil
}

func (f *fakeExactStore) Put(_ context.Context, entry *gateway.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[entry.ExactHash] = entry
	return nil
}

func (f *fakeExactStore) TouchHit(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.rows[hash]; ok {
		e.HitCount++
	}
	return nil
}

func (f *fakeExactStore) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows), nil
}

func (f *fakeExactStore) EvictLRU(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash := range f.rows {
		if n <= 0 {
			break
		}
		delete(f.rows, hash)
		n--
	}
	return nil
}

func (f *fakeExactStore) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (f *fakeExactStore) Purge(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = make(map[string]*gateway.CacheEntry)
	return nil
}

func TestExactHash_Determinism(t *testing.T) {
	t.Parallel()
	temp := 0.1
	req := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}},
		Temperature: &temp,
	}

	if ExactHash(req) != ExactHash(req) {
		t.Error("same request should produce same hash")
	}
}

func TestExactHash_DifferentMessages(t *testing.T) {
	t.Parallel()
	r1 := &gateway.ChatRequest{Model: "gpt-4o", Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}}}
	r2 := &gateway.ChatRequest{Model: "gpt-4o", Messages: []gateway.Message{{Role: "user", Content: []byte(`"world"`)}}}

	if ExactHash(r1) == ExactHash(r2) {
		t.Error("different messages should produce different hashes")
	}
}

func TestExactHash_DifferentModel(t *testing.T) {
	t.Parallel()
	r1 := &gateway.ChatRequest{Model: "gpt-4o", Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}}}
	r2 := &gateway.ChatRequest{Model: "gpt-4o-mini", Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}}}

	if ExactHash(r1) == ExactHash(r2) {
		t.Error("different models should produce different hashes")
	}
}

func TestExactHash_HasNoKeyScope(t *testing.T) {
	t.Parallel()
	// Unlike the per-key cacheKey it replaces, ExactHash has no caller
	// identity in its input at all, by design: the cache is shared.
	req := &gateway.ChatRequest{Model: "gpt-4o", Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}}}
	if ExactHash(req) == "" {
		t.Error("hash should not be empty")
	}
}

func TestExactHash_IgnoresWhitespace(t *testing.T) {
	t.Parallel()
	r1 := &gateway.ChatRequest{Model: "gpt-4o", Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}}}
	r2 := &gateway.ChatRequest{Model: "gpt-4o", Messages: []gateway.Message{{Role: "user", Content: []byte(`"  hello  "`)}}}

	if ExactHash(r1) != ExactHash(r2) {
		t.Error("surrounding whitespace should not affect the hash")
	}
}

func TestCache_Eligible(t *testing.T) {
	t.Parallel()
	c := New(DefaultConfig(), newFakeExactStore())

	tests := []struct {
		name string
		req  *gateway.ChatRequest
		want bool
	}{
		{"plain request", &gateway.ChatRequest{Model: "gpt-4o"}, true},
		{"streaming", &gateway.ChatRequest{Model: "gpt-4o", Stream: true}, false},
		{"n > 1", &gateway.ChatRequest{Model: "gpt-4o", N: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.Eligible(tt.req); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCache_Eligible_SkipModels(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SkipModels = map[string]bool{"gpt-4o-realtime": true}
	c := New(cfg, newFakeExactStore())

	if c.Eligible(&gateway.ChatRequest{Model: "gpt-4o-realtime"}) {
		t.Error("skip-listed model should not be eligible")
	}
	if !c.Eligible(&gateway.ChatRequest{Model: "gpt-4o"}) {
		t.Error("non-skip-listed model should be eligible")
	}
}

func TestCache_LookupStoreRoundTrip(t *testing.T) {
	t.Parallel()
	c := New(DefaultConfig(), newFakeExactStore())
	ctx := context.Background()
	req := &gateway.ChatRequest{Model: "gpt-4o", Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}}}

	if err := c.Store(ctx, req, []byte(`{"id":"resp-1"}`), true); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := c.Lookup(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected cache hit after store")
	}
	if string(entry.ResponseJSON) != `{"id":"resp-1"}` {
		t.Errorf("response json = %s", entry.ResponseJSON)
	}
}

func TestCache_StoreSkipsWithoutStopChoice(t *testing.T) {
	t.Parallel()
	c := New(DefaultConfig(), newFakeExactStore())
	ctx := context.Background()
	req := &gateway.ChatRequest{Model: "gpt-4o"}

	if err := c.Store(ctx, req, []byte(`{}`), false); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, req); ok {
		t.Error("a response with no stop choice should not be cached")
	}
}
