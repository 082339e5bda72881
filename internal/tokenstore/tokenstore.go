// Package tokenstore persists OAuth tokens for provider adapters that need
// browser or device-code authentication (Claude, Gemini, Copilot, Kiro).
// Backends are interchangeable: file (the default), keyring (a seam over a
// pluggable OS keyring with no real implementation in this pack), and
// memory (used by tests and when no token directory is configured).
package tokenstore

import (
	"context"

	gateway "github.com/gaud/gaud/internal"
)

// Store persists and retrieves OAuth tokens, one per provider id.
type Store interface {
	Load(ctx context.Context, provider string) (*gateway.Token, error)
	Save(ctx context.Context, provider string, tok *gateway.Token) error
	Delete(ctx context.Context, provider string) error
	List(ctx context.Context) ([]string, error)
}
