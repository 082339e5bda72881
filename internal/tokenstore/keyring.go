package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"

	gateway "github.com/gaud/gaud/internal"
)

// Keyring is the seam a real OS keyring integration implements. No library
// in the example pack provides OS keyring bindings, so KeyringStore wraps
// whatever Keyring implementation the operator supplies; the default build
// has none wired, and the gaud command uses only the file and memory
// backends (see newTokenStore).
type Keyring interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
	List(service string) ([]string, error)
}

// KeyringStore adapts a Keyring to the Store interface, serializing tokens
// as JSON under service "gaud" and account = provider id.
type KeyringStore struct {
	kr      Keyring
	service string
}

// NewKeyringStore returns a KeyringStore backed by kr.
func NewKeyringStore(kr Keyring) *KeyringStore {
	return &KeyringStore{kr: kr, service: "gaud"}
}

func (s *KeyringStore) Load(_ context.Context, provider string) (*gateway.Token, error) {
	raw, err := s.kr.Get(s.service, provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrNotFound, provider, err)
	}
	var tok gateway.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrTokenDecode, provider, err)
	}
	return &tok, nil
}

func (s *KeyringStore) Save(_ context.Context, provider string, tok *gateway.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal %s: %w", provider, err)
	}
	return s.kr.Set(s.service, provider, string(data))
}

func (s *KeyringStore) Delete(_ context.Context, provider string) error {
	return s.kr.Delete(s.service, provider)
}

func (s *KeyringStore) List(_ context.Context) ([]string, error) {
	return s.kr.List(s.service)
}
