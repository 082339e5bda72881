package tokenstore

import (
	"context"
	"sync"

	gateway "github.com/gaud/gaud/internal"
)

// MemoryStore is a process-local, non-persistent Store used by tests and by
// the gaud command when no token directory is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*gateway.Token
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*gateway.Token)}
}

func (s *MemoryStore) Load(_ context.Context, provider string) (*gateway.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[provider]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, provider string, tok *gateway.Token) error {
	cp := *tok
	s.mu.Lock()
	s.tokens[provider] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	delete(s.tokens, provider)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	providers := make([]string, 0, len(s.tokens))
	for p := range s.tokens {
		providers = append(providers, p)
	}
	return providers, nil
}
