package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenMemory opens an in-memory SQLite database via the cgo mattn/go-sqlite3
// driver and applies the base schema plus migrations. It exists purely for
// tests that want a fresh database per test case without temp-file I/O; the
// production path (Open) always uses the pure-Go modernc driver against a
// real file. lockDir still needs to be a real directory since the
// cross-process write lock is a plain file, even though the database itself
// never touches disk.
func OpenMemory(lockDir string, migrations []Migration) (*DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(baseSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create base schema: %w", err)
	}

	db := &DB{conn: conn, baseDir: lockDir, watchers: newWatchRegistry()}

	if _, err := db.RunMigrations(migrations); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}
