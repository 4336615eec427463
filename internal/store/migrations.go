package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	return s.migrateV3()
}

func (s *Store) schemaVersion() string {
	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		return ""
	}
	return version
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id         TEXT PRIMARY KEY,
		root       TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL,
		parent_id       TEXT,
		commit_id       TEXT NOT NULL,
		commit_degraded INTEGER NOT NULL DEFAULT 0,
		file_count      INTEGER NOT NULL,
		total_size      INTEGER NOT NULL,
		is_critical     INTEGER NOT NULL DEFAULT 0,
		action          TEXT NOT NULL,
		path            TEXT NOT NULL,
		label           TEXT,
		created_at      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_project ON snapshots(project_id, created_at);

	CREATE TABLE IF NOT EXISTS protection_zones (
		id                 TEXT PRIMARY KEY,
		project_id         TEXT NOT NULL,
		path_pattern       TEXT NOT NULL,
		level              TEXT NOT NULL,
		reason             TEXT,
		allowed_operations TEXT,
		is_system          INTEGER NOT NULL DEFAULT 0,
		created_at         INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_zones_project ON protection_zones(project_id, created_at);

	CREATE TABLE IF NOT EXISTS state_history (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		from_state   TEXT NOT NULL,
		to_state     TEXT NOT NULL,
		trigger_cmd  TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		snapshot_id  TEXT,
		reason       TEXT,
		created_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_project ON state_history(project_id, created_at);

	CREATE TABLE IF NOT EXISTS execution_contexts (
		project_id TEXT PRIMARY KEY,
		context    TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS action_events (
		project_id  TEXT NOT NULL,
		sequence    INTEGER NOT NULL,
		target_type TEXT NOT NULL,
		type        TEXT NOT NULL,
		envelope    TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (project_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_actions_target ON action_events(project_id, target_type, sequence);

	CREATE TABLE IF NOT EXISTS client_acks (
		client_id  TEXT NOT NULL,
		project_id TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (client_id, project_id)
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}

func (s *Store) migrateV2() error {
	if s.schemaVersion() >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS replay_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id     TEXT NOT NULL,
		client_type   TEXT NOT NULL,
		project_id    TEXT NOT NULL,
		from_sequence INTEGER NOT NULL,
		to_sequence   INTEGER NOT NULL,
		count         INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL,
		created_at    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_replay_project ON replay_log(project_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

// migrateV3 replaces the single target type of an action event with an audience
// bitmask so one envelope sent to several client types keeps one sequence.
func (s *Store) migrateV3() error {
	if s.schemaVersion() >= "3" {
		return nil
	}

	schema := `
	ALTER TABLE action_events ADD COLUMN audience INTEGER NOT NULL DEFAULT 0;

	UPDATE action_events SET audience = CASE target_type
		WHEN 'interceptor' THEN 1
		WHEN 'dashboard' THEN 2
		WHEN 'simulator' THEN 4
		ELSE 0 END;

	CREATE INDEX IF NOT EXISTS idx_actions_audience ON action_events(project_id, sequence, audience);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v3: %w", err)
	}
	return nil
}
