package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

// CacheStore persists the exact tier of the response cache against the
// cache_entries table, implementing semcache.ExactStore.
type CacheStore struct {
	s *Store
}

// NewCacheStore returns an ExactStore backed by s.
func NewCacheStore(s *Store) *CacheStore {
	return &CacheStore{s: s}
}

// Get returns the cache row for hash, if present. It never filters by age;
// DeleteExpired removes old rows, and semcache.Cache does not call it.
func (c *CacheStore) Get(ctx context.Context, hash string) (*gateway.CacheEntry, bool, error) {
	row := c.s.read.QueryRowContext(ctx,
		`SELECT exact_hash, model, system_prompt_hash, tool_definitions_hash, response_json,
		 created_at, hit_count, last_hit, hash_version FROM cache_entries WHERE exact_hash = ?`, hash)

	var e gateway.CacheEntry
	var systemHash, toolHash sql.NullString
	var createdAt, lastHit string
	err := row.Scan(&e.ExactHash, &e.Model, &systemHash, &toolHash, &e.ResponseJSON,
		&createdAt, &e.HitCount, &lastHit, &e.HashVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", hash, err)
	}

	e.SystemPromptHash = systemHash.String
	e.ToolDefinitionsHash = toolHash.String
	if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
		e.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339, lastHit); perr == nil {
		e.LastHit = t
	}
	return &e, true, nil
}

// Put inserts or replaces entry.
func (c *CacheStore) Put(ctx context.Context, entry *gateway.CacheEntry) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastHit.IsZero() {
		entry.LastHit = now
	}
	hashVersion := entry.HashVersion
	if hashVersion == "" {
		hashVersion = "v1"
	}

	_, err := c.s.write.ExecContext(ctx,
		`INSERT INTO cache_entries (exact_hash, model, system_prompt_hash, tool_definitions_hash,
		 response_json, created_at, hit_count, last_hit, hash_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(exact_hash) DO UPDATE SET
		   model = excluded.model,
		   system_prompt_hash = excluded.system_prompt_hash,
		   tool_definitions_hash = excluded.tool_definitions_hash,
		   response_json = excluded.response_json,
		   created_at = excluded.created_at,
		   hit_count = excluded.hit_count,
		   last_hit = excluded.last_hit,
		   hash_version = excluded.hash_version`,
		entry.ExactHash, entry.Model, nullStr(entry.SystemPromptHash), nullStr(entry.ToolDefinitionsHash),
		entry.ResponseJSON, entry.CreatedAt.Format(time.RFC3339), entry.HitCount,
		entry.LastHit.Format(time.RFC3339), hashVersion,
	)
	if err != nil {
		return fmt.Errorf("cache put %s: %w", entry.ExactHash, err)
	}
	return nil
}

// TouchHit increments hit_count and bumps last_hit to now.
func (c *CacheStore) TouchHit(ctx context.Context, hash string) error {
	_, err := c.s.write.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_hit = ? WHERE exact_hash = ?`,
		time.Now().UTC().Format(time.RFC3339), hash,
	)
	if err != nil {
		return fmt.Errorf("cache touch hit %s: %w", hash, err)
	}
	return nil
}

// Count returns the number of rows in the exact tier.
func (c *CacheStore) Count(ctx context.Context) (int, error) {
	var n int
	err := c.s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// EvictLRU deletes the n rows with the lowest hit_count, oldest created_at
// first among ties.
func (c *CacheStore) EvictLRU(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := c.s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE exact_hash IN (
		   SELECT exact_hash FROM cache_entries ORDER BY hit_count ASC, created_at ASC LIMIT ?
		 )`, n)
	if err != nil {
		return fmt.Errorf("cache evict lru: %w", err)
	}
	return nil
}

// DeleteExpired removes rows whose last_hit predates olderThan, returning
// the number of rows removed.
func (c *CacheStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := c.s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE last_hit < ?`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("cache delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache delete expired rows affected: %w", err)
	}
	return int(n), nil
}

// Purge removes every row in the exact tier.
func (c *CacheStore) Purge(ctx context.Context) error {
	if _, err := c.s.write.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache purge: %w", err)
	}
	return nil
}
