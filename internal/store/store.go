// Package store is the broker's embedded persistence layer: projects,
// variables, OAuth2 tokens and flow state, managed files, subprocess
// records, and sessions, all backed by a single sqlite database file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capa-dev/capabroker/pkg/logging"
)

// Store wraps the sqlite handle and exposes entity-scoped CRUD methods.
type Store struct {
	db *sql.DB
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// migrations is an ordered list of schema migrations. Never modify an
// existing entry; only append.
var migrations = []func(*sql.Tx) error{
	migrateV0,
	migrateV1,
}

func migrateV0(tx *sql.Tx) error {
	schema := `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS variables (
	project_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (project_id, key)
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	project_id TEXT NOT NULL,
	server_id TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT DEFAULT '',
	token_type TEXT DEFAULT 'Bearer',
	expires_at TEXT DEFAULT '',
	scope TEXT DEFAULT '',
	PRIMARY KEY (project_id, server_id)
);

CREATE TABLE IF NOT EXISTS oauth_flow_state (
	state TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	server_id TEXT NOT NULL,
	code_verifier TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	client_id TEXT NOT NULL,
	token_endpoint TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oauth_flow_state_created ON oauth_flow_state(created_at);

CREATE TABLE IF NOT EXISTS managed_files (
	project_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	PRIMARY KEY (project_id, file_path)
);

CREATE TABLE IF NOT EXISTS subprocess_records (
	id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	pid INTEGER DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'starting',
	restart_count INTEGER DEFAULT 0,
	last_restart_at TEXT DEFAULT '',
	started_at TEXT NOT NULL,
	last_health_check TEXT DEFAULT '',
	PRIMARY KEY (project_id, config_hash)
);
CREATE INDEX IF NOT EXISTS idx_subprocess_records_id ON subprocess_records(project_id, id);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	active_skills TEXT DEFAULT '[]',
	available_tools TEXT DEFAULT '[]',
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
`
	_, err := tx.Exec(schema)
	return err
}

func migrateV1(tx *sql.Tx) error {
	schema := `
CREATE TABLE IF NOT EXISTS tool_init_state (
	project_id TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	initialized INTEGER NOT NULL DEFAULT 0,
	error TEXT DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (project_id, tool_id)
);
`
	_, err := tx.Exec(schema)
	return err
}

// Open opens (creating if absent) the sqlite database at path and applies
// any pending migrations. Use ":memory:" for an ephemeral in-process store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// sqlite only tolerates a single writer; a single connection avoids
	// SQLITE_BUSY from concurrent broker workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), -1) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := currentVersion + 1; i < len(migrations); i++ {
		if err := s.runMigration(i); err != nil {
			return fmt.Errorf("run migration %d: %w", i, err)
		}
	}
	logging.Debug("Store", "schema at version %d", len(migrations)-1)
	return nil
}

func (s *Store) runMigration(version int) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migrations[version](tx); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
