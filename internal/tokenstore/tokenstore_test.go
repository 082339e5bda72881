package tokenstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	want := &gateway.Token{
		Provider:     "claude",
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		Scopes:       []string{"chat"},
	}
	if err := store.Save(context.Background(), "claude", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(context.Background(), "claude")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFileStore_LoadMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_, err = store.Load(context.Background(), "missing")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	tok := &gateway.Token{Provider: "gemini", AccessToken: "a"}
	if err := store.Save(context.Background(), "gemini", tok); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "gemini.json"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file perm = %o, want 600", perm)
	}
}

func TestFileStore_DeleteThenList(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	store.Save(ctx, "copilot", &gateway.Token{Provider: "copilot"})
	store.Save(ctx, "kiro", &gateway.Token{Provider: "kiro"})

	providers, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("List = %v, want 2 entries", providers)
	}

	if err := store.Delete(ctx, "copilot"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	providers, _ = store.List(ctx)
	if len(providers) != 1 || providers[0] != "kiro" {
		t.Errorf("List after delete = %v, want [kiro]", providers)
	}

	// Deleting a nonexistent entry is not an error.
	if err := store.Delete(ctx, "copilot"); err != nil {
		t.Errorf("Delete of missing entry = %v, want nil", err)
	}
}

func TestFileStore_CorruptFileDecodesAsTokenDecodeError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_, err = store.Load(context.Background(), "broken")
	if !errors.Is(err, gateway.ErrTokenDecode) {
		t.Errorf("err = %v, want ErrTokenDecode", err)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Load(ctx, "x"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	tok := &gateway.Token{Provider: "x", AccessToken: "a"}
	if err := store.Save(ctx, "x", tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx, "x")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "a" {
		t.Errorf("AccessToken = %q, want a", got.AccessToken)
	}

	// Returned token must be a copy: mutating it must not affect the store.
	got.AccessToken = "mutated"
	got2, _ := store.Load(ctx, "x")
	if got2.AccessToken != "a" {
		t.Error("MemoryStore.Load should return a defensive copy")
	}
}

func TestToken_Expired(t *testing.T) {
	t.Parallel()

	future := &gateway.Token{ExpiresAt: time.Now().Add(time.Hour)}
	if future.Expired(60 * time.Second) {
		t.Error("token expiring in an hour should not be expired with a 60s threshold")
	}

	soon := &gateway.Token{ExpiresAt: time.Now().Add(30 * time.Second)}
	if !soon.Expired(60 * time.Second) {
		t.Error("token expiring in 30s should be expired with a 60s threshold")
	}

	var nilTok *gateway.Token
	if !nilTok.Expired(time.Second) {
		t.Error("nil token should be considered expired")
	}
}
