package db

import (
	"database/sql"
	"fmt"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations list all database migrations in order
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create flow log schema",
		SQL: `
			-- Sequence for flow ids
			CREATE SEQUENCE IF NOT EXISTS flows_id_seq;

			-- One row per proxied request
			CREATE TABLE IF NOT EXISTS flows (
				id BIGINT PRIMARY KEY DEFAULT nextval('flows_id_seq'),
				request_id TEXT NOT NULL,
				ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				method TEXT NOT NULL,
				path TEXT NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				stream BOOLEAN NOT NULL DEFAULT FALSE,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				status_code INTEGER NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				user_id TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_flows_ts ON flows(ts);
			CREATE INDEX IF NOT EXISTS idx_flows_model ON flows(model);
			CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status_code);

			-- Create migrations table
			CREATE TABLE IF NOT EXISTS migrations (
				version INTEGER PRIMARY KEY,
				description TEXT NOT NULL,
				applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
}

// Migrate runs all pending database migrations
func (db *DB) Migrate() error {
	// First, ensure migrations table exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return serr.Wrap(err, "failed to create migrations table")
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return serr.Wrap(err, "failed to get current migration version")
	}

	logger.Info("Current migration version", "version", currentVersion)

	// Apply pending migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logger.Info("Applying migration", "version", migration.Version, "description", migration.Description)

		// Execute migration in a transaction
		err := db.Transaction(func(tx *sql.Tx) error {
			// Execute migration SQL
			if _, err := tx.Exec(migration.SQL); err != nil {
				return serr.Wrap(err, fmt.Sprintf("failed to execute migration %d", migration.Version))
			}

			// Record migration
			_, err := tx.Exec(
				"INSERT INTO migrations (version, description) VALUES (?, ?)",
				migration.Version, migration.Description,
			)
			if err != nil {
				return serr.Wrap(err, "failed to record migration")
			}

			return nil
		})

		if err != nil {
			return err
		}

		logger.Info("Migration applied successfully", "version", migration.Version)
	}

	return nil
}
