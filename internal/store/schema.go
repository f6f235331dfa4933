package store

import "database/sql"

// SchemaVersion is the current built-in schema version. Caller-supplied
// migrations (application tables) are numbered independently of it,
// starting from 1; schema_info records the highest applied caller
// migration version, not this constant.
const SchemaVersion = 1

// baseSchema creates the tables the sync core itself owns: the per-table
// watermark registry, the tombstone archive, the conflict log, and the
// schema version marker. Application tables are created by caller-supplied
// migrations layered on top via RunMigrations.
const baseSchema = `
CREATE TABLE IF NOT EXISTS syncing_table (
    entity_name TEXT PRIMARY KEY,
    last_received_lts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS archive (
    id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    data_id TEXT NOT NULL,
    data TEXT NOT NULL,
    lts INTEGER NOT NULL DEFAULT 0,
    is_unsynced INTEGER NOT NULL DEFAULT 1,
    archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_archive_table ON archive(table_name);
CREATE INDEX IF NOT EXISTS idx_archive_unsynced ON archive(table_name, is_unsynced);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    local_data TEXT NOT NULL,
    remote_data TEXT NOT NULL,
    resolution TEXT NOT NULL DEFAULT 'remote_wins',
    detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_table ON sync_conflicts(table_name);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migration is one caller-supplied, ordered schema change: the application
// tables a consumer of this module needs, applied inside a transaction and
// recorded by Version so it never runs twice. Consumers append their own
// entities (and subsequent alterations) to the slice passed to Open; the
// sync core never hardcodes knowledge of application tables.
type Migration struct {
	Version     int
	Description string
	Apply       func(tx *sql.Tx) error
}
