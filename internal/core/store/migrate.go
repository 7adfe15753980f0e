package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migrations are applied in order; the index plus one is the schema version.
// Append only.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS rate_limits (
			upstream TEXT PRIMARY KEY,
			request_count INTEGER NOT NULL DEFAULT 0,
			window_start INTEGER NOT NULL,
			backoff_until INTEGER,
			last_429_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS cache_snapshots (
			snapshot_key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);`,
	},
	{
		`CREATE INDEX IF NOT EXISTS idx_rate_limits_window ON rate_limits(window_start);`,
	},
}

const schemaVersionTable = `CREATE TABLE IF NOT EXISTS schema_version (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);`

// LatestSchemaVersion is the version Migrate brings a database to.
func LatestSchemaVersion() int {
	return len(migrations)
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	if _, err := s.DB.ExecContext(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("store migration failed: %w", err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		for _, stmt := range migrations[i] {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store migration %d failed: %w", i+1, err)
			}
		}
		if _, err := s.DB.ExecContext(ctx,
			`INSERT INTO schema_version (id, version) VALUES (1, ?)
			 ON CONFLICT(id) DO UPDATE SET version = excluded.version`, i+1); err != nil {
			return fmt.Errorf("record schema version %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version, 0 for a new database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	var version int
	err = s.DB.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&version)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	default:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
}
