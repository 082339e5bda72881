package semcache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

// OpenPostgres opens the Postgres sidecar backing PGVectorStore and runs its
// embedded migrations (creating the pgvector extension and cache_vectors
// table on first use). dsn is a standard libpq connection string.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("semcache: open postgres: %w", err)
	}
	if err := runPGMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("semcache: migrations: %w", err)
	}
	return db, nil
}

func runPGMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(pgMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}
