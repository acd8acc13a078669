package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockID serializes concurrent migrators through pg_advisory_xact_lock.
const migrationLockID = 7262011

// Migrate applies every embedded migration that is not yet recorded in
// schema_migrations. Each file runs in its own transaction.
func Migrate(ctx context.Context, db *sqlx.DB) ([]string, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		ok, err := applyMigration(ctx, db, version, name)
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", version, err)
		}
		if ok {
			applied = append(applied, version)
			log.Info().Str("version", version).Msg("Migration applied")
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, version, name string) (bool, error) {
	body, err := migrationFiles.ReadFile(name)
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, err
	}

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
