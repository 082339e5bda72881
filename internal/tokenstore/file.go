package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gateway "github.com/gaud/gaud/internal"
)

// FileStore persists one JSON file per provider under dir, mode 0600, with
// the parent directory created mode 0700. Writes are atomic: encode to a
// temp file in the same directory, then rename over the target, so a crash
// mid-write never leaves a truncated token file behind.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tokenstore: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(provider string) string {
	return filepath.Join(s.dir, provider+".json")
}

// Load reads and decodes the token file for provider. A missing file is
// reported as gateway.ErrNotFound so callers can trigger the OAuth flow.
func (s *FileStore) Load(_ context.Context, provider string) (*gateway.Token, error) {
	data, err := os.ReadFile(s.path(provider))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("tokenstore: read %s: %w", provider, err)
	}
	var tok gateway.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrTokenDecode, provider, err)
	}
	return &tok, nil
}

// Save atomically writes tok to the provider's token file.
func (s *FileStore) Save(_ context.Context, provider string, tok *gateway.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal %s: %w", provider, err)
	}

	tmp, err := os.CreateTemp(s.dir, provider+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("tokenstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path(provider)); err != nil {
		return fmt.Errorf("tokenstore: rename: %w", err)
	}
	return nil
}

// Delete removes the provider's token file. Deleting a nonexistent file is
// not an error.
func (s *FileStore) Delete(_ context.Context, provider string) error {
	if err := os.Remove(s.path(provider)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tokenstore: delete %s: %w", provider, err)
	}
	return nil
}

// List returns the provider ids with a stored token file.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: list: %w", err)
	}
	var providers []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && filepath.Ext(name) == ".json" {
			providers = append(providers, name[:len(name)-len(".json")])
		}
	}
	return providers, nil
}
