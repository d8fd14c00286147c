package store

import "fmt"

// migrations are applied in order; the index plus one is the schema
// version recorded in schema_migrations. Append, never edit.
var migrations = []string{
	// v1: audit log, item history and run tracking.
	`CREATE TABLE transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id    TEXT NOT NULL UNIQUE,
		session_id  TEXT NOT NULL,
		item_id     TEXT NOT NULL,
		old_status  TEXT NOT NULL DEFAULT '',
		new_status  TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		timestamp   DATETIME NOT NULL
	);
	CREATE INDEX idx_transitions_item ON transitions(session_id, item_id);

	CREATE TABLE events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		item_id     TEXT NOT NULL,
		agent       TEXT NOT NULL DEFAULT '',
		event_type  TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		timestamp   DATETIME NOT NULL
	);
	CREATE INDEX idx_events_item ON events(session_id, item_id);

	CREATE TABLE artifacts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		item_id     TEXT NOT NULL,
		type        TEXT NOT NULL,
		file_path   TEXT NOT NULL,
		timestamp   DATETIME NOT NULL
	);

	CREATE TABLE pipeline_runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL UNIQUE,
		session_id  TEXT NOT NULL DEFAULT '',
		prd_path    TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  DATETIME NOT NULL,
		ended_at    DATETIME
	);`,

	// v2: resume needs the last phase and the original error policy.
	`ALTER TABLE pipeline_runs ADD COLUMN phase TEXT NOT NULL DEFAULT '';
	ALTER TABLE pipeline_runs ADD COLUMN continue_on_error INTEGER NOT NULL DEFAULT 0;`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply v%d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record v%d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit v%d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
