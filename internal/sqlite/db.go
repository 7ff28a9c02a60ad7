package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
}

// New creates a new SQLite database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: per-connection pragmas apply everywhere and
	// concurrent writers never hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// RunMigrations creates the ledger schema.
// All timestamps are stored as integer unix microseconds so that range
// comparisons on interval bounds are exact.
func (db *DB) RunMigrations() error {
	migration := `
-- Allocation ledger: single source of truth for commitments
CREATE TABLE allocations (
    id TEXT PRIMARY KEY,
    resource_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    start_ts INTEGER NOT NULL,
    end_ts INTEGER NOT NULL,
    percent INTEGER NOT NULL CHECK(percent BETWEEN 1 AND 100),
    state TEXT NOT NULL CHECK(state IN ('PENDING', 'APPROVED', 'ACTIVE', 'COMPLETED', 'CANCELLED', 'REJECTED')),
    created_by TEXT NOT NULL,
    updated_by TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,
    version INTEGER NOT NULL,
    CHECK(start_ts < end_ts)
);
CREATE INDEX idx_allocations_resource_span ON allocations(resource_id, start_ts, end_ts);
CREATE INDEX idx_allocations_project ON allocations(project_id);
CREATE INDEX idx_allocations_state ON allocations(state);

-- Audit trail of every lifecycle transition
CREATE TABLE allocation_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    allocation_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    actor TEXT NOT NULL,
    reason TEXT,
    occurred_at INTEGER NOT NULL,
    FOREIGN KEY (allocation_id) REFERENCES allocations(id)
);
CREATE INDEX idx_transitions_allocation ON allocation_transitions(allocation_id);

-- Transactional outbox for lifecycle events (at-least-once delivery)
CREATE TABLE event_outbox (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    allocation_id TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    actor TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,
    delivered_at INTEGER,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);
CREATE INDEX idx_outbox_pending ON event_outbox(occurred_at) WHERE delivered_at IS NULL;

-- Last-known catalog snapshot, served stale when the upstream is down
CREATE TABLE resource_snapshots (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    base_capacity INTEGER NOT NULL,
    active INTEGER NOT NULL,
    taken_at INTEGER NOT NULL
);
`

	_, err := db.Exec(migration)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
