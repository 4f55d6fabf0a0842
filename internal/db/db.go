// Package db opens the SQLite metadata database shared by the index store,
// proposal queue, and usage tracker.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with dmm-specific helpers.
type DB struct {
	*sql.DB
	path string
}

// Open creates or opens the SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	d := &DB{DB: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}

	d := &DB{DB: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

// schema contains the full database schema. New tables are added here.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    directory TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    scope TEXT NOT NULL,
    priority REAL NOT NULL DEFAULT 0.5,
    confidence TEXT NOT NULL DEFAULT 'active',
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','deprecated')),
    body TEXT NOT NULL DEFAULT '',
    token_count INTEGER NOT NULL DEFAULT 0,
    file_hash TEXT NOT NULL,
    indexed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_memories_path ON memories(path);
CREATE INDEX IF NOT EXISTS idx_memories_directory ON memories(directory);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, status);

CREATE TABLE IF NOT EXISTS proposals (
    proposal_id TEXT PRIMARY KEY,
    type TEXT NOT NULL CHECK(type IN ('create','update','deprecate','promote')),
    target_path TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    content TEXT,
    memory_id TEXT,
    new_scope TEXT,
    proposed_by TEXT NOT NULL DEFAULT 'agent',
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN
        ('pending','in_review','approved','committed','rejected','modified','deferred','failed')),
    retry_count INTEGER NOT NULL DEFAULT 0,
    reviewer_notes TEXT,
    commit_error TEXT,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    reviewed_at DATETIME,
    committed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status, created_at);
CREATE INDEX IF NOT EXISTS idx_proposals_path ON proposals(target_path);

CREATE TABLE IF NOT EXISTS proposal_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    proposal_id TEXT NOT NULL REFERENCES proposals(proposal_id) ON DELETE CASCADE,
    from_status TEXT NOT NULL DEFAULT '',
    to_status TEXT NOT NULL,
    notes TEXT,
    actor TEXT NOT NULL DEFAULT 'system',
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_history_proposal ON proposal_history(proposal_id, created_at);

CREATE TABLE IF NOT EXISTS query_log (
    query_id TEXT PRIMARY KEY,
    query_text TEXT NOT NULL,
    budget INTEGER NOT NULL,
    baseline_budget INTEGER NOT NULL DEFAULT 0,
    scope_filter TEXT,
    baseline_files INTEGER NOT NULL DEFAULT 0,
    retrieved_files INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    query_time_ms REAL NOT NULL DEFAULT 0,
    retrieved_ids TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);

CREATE TABLE IF NOT EXISTS memory_usage (
    memory_id TEXT PRIMARY KEY,
    memory_path TEXT NOT NULL DEFAULT '',
    total_retrievals INTEGER NOT NULL DEFAULT 0,
    baseline_retrievals INTEGER NOT NULL DEFAULT 0,
    query_retrievals INTEGER NOT NULL DEFAULT 0,
    first_used DATETIME,
    last_used DATETIME,
    co_occurred_with TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS system_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
