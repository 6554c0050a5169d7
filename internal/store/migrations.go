package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: encrypted, TTL-bounded records",
		SQL: `
CREATE TABLE memories (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    content       BLOB NOT NULL,
    tags          TEXT NOT NULL DEFAULT '[]',
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    INTEGER NOT NULL,
    expires_at    INTEGER,
    access_count  INTEGER NOT NULL DEFAULT 0,
    last_accessed INTEGER
);

CREATE INDEX idx_memories_owner   ON memories(owner_id);
CREATE INDEX idx_memories_expires ON memories(expires_at);
`,
	},
	{
		Version:     2,
		Description: "owners: per-owner usage accounting",
		SQL: `
CREATE TABLE owners (
    owner_id       TEXT PRIMARY KEY,
    total_memories INTEGER NOT NULL DEFAULT 0,
    storage_bytes  INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "api_keys: prepaid credit ledger",
		SQL: `
CREATE TABLE api_keys (
    key         TEXT PRIMARY KEY,
    owner_email TEXT NOT NULL DEFAULT '',
    balance     INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at  INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "checkout_sessions: credit purchase bookkeeping",
		SQL: `
CREATE TABLE checkout_sessions (
    id           TEXT PRIMARY KEY,
    email        TEXT NOT NULL DEFAULT '',
    service_type TEXT NOT NULL,
    credits      INTEGER NOT NULL,
    amount_cents INTEGER NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'paid', 'cancelled')),
    api_key      TEXT,
    created_at   INTEGER NOT NULL,
    completed_at INTEGER
);

CREATE INDEX idx_checkout_status ON checkout_sessions(status);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
