package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the embedded SQLite database and exposes hydra's
// domain-specific query methods (defined in the sibling files of this
// package, one group per data-model entity).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// the idempotent schema migration.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under the
	// busy_timeout rather than racing concurrent writer goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is live, for the API's readiness
// probe.
func (s *Store) Ping() error {
	return s.db.Ping()
}

const schema = `
CREATE TABLE IF NOT EXISTS user_quotas (
	username TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	role TEXT NOT NULL,
	max_memory_gb REAL NOT NULL,
	max_cpus REAL NOT NULL,
	max_storage_gb REAL NOT NULL,
	node_approvals TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS container_configs (
	username TEXT PRIMARY KEY REFERENCES user_quotas(username),
	current_node TEXT NOT NULL,
	preset_tier TEXT NOT NULL,
	memory_gb REAL NOT NULL,
	cpus REAL NOT NULL,
	storage_gb REAL NOT NULL,
	gpu_count INTEGER NOT NULL DEFAULT 0,
	resources_expire_at DATETIME,
	last_migration_at DATETIME,
	volume_name TEXT NOT NULL,
	storage_class TEXT NOT NULL,
	last_seen_ready DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL REFERENCES user_quotas(username),
	target_node TEXT NOT NULL,
	request_type TEXT NOT NULL,
	memory_gb REAL NOT NULL,
	cpus REAL NOT NULL,
	storage_gb REAL NOT NULL,
	gpu_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	reviewer TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	decided_at DATETIME,
	expires_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_user ON approval_requests(username);

-- at most one non-terminal request per (username, request_type): enforced
-- in application code (pkg/quota) since SQLite lacks partial-index
-- predicates portable across the statuses enum; see quota.Engine.Submit.

CREATE TABLE IF NOT EXISTS share_links (
	token TEXT PRIMARY KEY,
	owner_username TEXT NOT NULL REFERENCES user_quotas(username),
	container_name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	access TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	view_count INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME
);
CREATE INDEX IF NOT EXISTS idx_share_links_owner ON share_links(owner_username);

CREATE TABLE IF NOT EXISTS migration_records (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL REFERENCES user_quotas(username),
	from_node TEXT NOT NULL,
	to_node TEXT NOT NULL,
	current_step INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	error_message TEXT NOT NULL DEFAULT '',
	step_log TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_migration_records_user_status ON migration_records(username, status);

CREATE TABLE IF NOT EXISTS activity_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	details TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	estimated_size INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_log_user_ts ON activity_log(username, timestamp);

CREATE TABLE IF NOT EXISTS activity_log_archive (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	details TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	estimated_size INTEGER NOT NULL,
	archive_year INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_log_archive_user_year ON activity_log_archive(username, archive_year);

CREATE TABLE IF NOT EXISTS activity_log_aggregate (
	username TEXT PRIMARY KEY,
	total_entries INTEGER NOT NULL DEFAULT 0,
	total_size_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS security_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	username TEXT NOT NULL,
	container_name TEXT NOT NULL,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	metrics TEXT NOT NULL DEFAULT '{}',
	action_taken TEXT NOT NULL,
	container_paused INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_security_events_user_ts ON security_events(username, timestamp);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}
