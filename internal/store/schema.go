// Package store persists simulation records, analytics events and the asset
// cache index in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the version written by this build.
const SchemaVersion = 1

const schemaV1 = `
-- One row per run, upserted once its assets are present
CREATE TABLE IF NOT EXISTS simulations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    map_id TEXT,
    map_name TEXT,
    status TEXT NOT NULL,
    message TEXT,
    test_report_id TEXT,
    config TEXT NOT NULL,  -- JSON snapshot of the SimulationConfig
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_simulations_updated ON simulations(updated_at);

-- Analytics events (errors, transitions) per run
CREATE TABLE IF NOT EXISTS analytics_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    simulation_id TEXT NOT NULL,
    kind TEXT NOT NULL,   -- 'error', 'status', 'process-exit'
    message TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_simulation ON analytics_events(simulation_id);

-- Local asset cache index
CREATE TABLE IF NOT EXISTS assets (
    category TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    sha256 TEXT,
    downloaded_at TEXT NOT NULL,
    PRIMARY KEY (category, id)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// InitSchema creates the tables on a fresh database. An existing database is
// integrity-checked first; one written by a newer simcore is refused, and an
// older one has the current DDL re-applied, since every statement is additive.
func InitSchema(ctx context.Context, db *sql.DB) error {
	version, err := schemaVersion(ctx, db)
	if err != nil {
		if err := applySchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}
	switch {
	case version > SchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	case version < SchemaVersion:
		if err := applySchema(ctx, db); err != nil {
			return fmt.Errorf("failed to upgrade schema from version %d: %w", version, err)
		}
	}
	return nil
}

// schemaVersion fails when schema_version does not exist yet.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// ValidateIntegrity runs PRAGMA integrity_check and reports the first problem.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check: %s", result)
	}
	return nil
}
