package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the required tables if they don't exist.
func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial schema: sessions, pending permission
// requests, chat reply routing, the single default route, and a small
// key/value table for daemon-persisted config overrides.
func (s *Store) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	const ddl = `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cwd TEXT NOT NULL,
			tmux_pane TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_requests (
			request_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_name TEXT NOT NULL,
			tmux_pane TEXT,
			hook_event_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'waiting',
			telegram_message_id INTEGER,
			response_payload TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_requests_state ON pending_requests(state);

		CREATE TABLE IF NOT EXISTS reply_routes (
			telegram_message_id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			tmux_pane TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS default_route (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			session_id TEXT NOT NULL,
			session_name TEXT NOT NULL,
			tmux_pane TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS config_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create v1 tables: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record schema version 1: %w", err)
	}

	return nil
}
