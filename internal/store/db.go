// Package store is the local embedded persistence layer the sync core reads
// and writes through: SQLite via modernc.org/sqlite, multi-process file
// locking, restartable watched queries, and a generic ordered migration
// runner. It does not know anything about LTS, push, or pull — those live in
// package sync, one level up — it only guarantees serialized writes,
// consistent snapshot reads, and a notification channel on mutation.
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection plus the watch/lock machinery layered on top
// of it.
type DB struct {
	conn    *sql.DB
	baseDir string

	watchers *watchRegistry
}

// openConn opens a SQLite connection with safe defaults for multi-process
// access: a single pooled connection (SQLite has one writer), WAL mode for
// concurrent readers, and a busy timeout so contention blocks briefly
// instead of failing immediately.
func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return conn, nil
}

// Open opens (creating if necessary) the database at path, applies the base
// schema (syncing_table, archive, sync_conflicts, schema_info), and runs
// migrations up to date.
func Open(path string, migrations []Migration) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(baseSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create base schema: %w", err)
	}

	db := &DB{conn: conn, baseDir: filepath.Dir(path), watchers: newWatchRegistry()}

	if _, err := db.RunMigrations(migrations); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Close flushes the WAL back into the main database file and closes the
// connection. Best-effort: a failed checkpoint does not block Close.
func (db *DB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Conn returns the underlying *sql.DB for callers (the sync package) that
// need to open their own transactions against raw database/sql.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// BaseDir returns the directory the database file lives in, used by the
// write locker to place its lock file alongside it.
func (db *DB) BaseDir() string {
	return db.baseDir
}

// withWriteLock executes fn while holding the cross-process exclusive write
// lock. database/sql already serializes writers within one process (single
// pooled connection); this additionally protects against a second process
// (e.g. a concurrently invoked CLI command) opening the same file.
func (db *DB) withWriteLock(fn func() error) error {
	locker := newWriteLocker(db.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}
