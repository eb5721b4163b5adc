package store

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	repository_url TEXT NOT NULL,
	branch TEXT NOT NULL,
	issue_description TEXT NOT NULL,
	test_command TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL,
	status TEXT NOT NULL,
	failure_tag TEXT NOT NULL DEFAULT '',
	result_summary TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS attempts (
	task_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	plan TEXT NOT NULL DEFAULT '',
	patch_json TEXT,
	review_json TEXT,
	review_rejections INTEGER NOT NULL DEFAULT 0,
	test_json TEXT,
	retry_json TEXT,
	calls_json TEXT,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (task_id, idx),
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`

// initializeSchema ensures the database schema is at the current version.
// Idempotent and safe to call multiple times.
func initializeSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if version == 0 {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return setSchemaVersion(db, CurrentSchemaVersion)
	}

	if version == CurrentSchemaVersion {
		return nil
	}

	return fmt.Errorf("unknown schema version %d (expected <= %d)", version, CurrentSchemaVersion)
}

func getSchemaVersion(db *sql.DB) (int, error) {
	// The version table may not exist yet on a fresh database.
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version %d: %w", version, err)
	}
	return nil
}
