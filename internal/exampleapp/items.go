// Package exampleapp supplies the one application entity ("items") that
// cmd/localsync operates on. A real embedder provides its own migrations
// and entity metadata to sync.Options; this package exists so the CLI in
// this repo has something concrete to init/sync/status against.
package exampleapp

import (
	"database/sql"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/sync"
)

// ItemsMigration creates the "items" table: id, lts, is_unsynced plus two
// domain columns (name, done), matching the shape spec.md's worked examples
// use throughout section 8.
var ItemsMigration = store.Migration{
	Version:     1,
	Description: "create items",
	Apply: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS items (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				done INTEGER NOT NULL DEFAULT 0,
				lts INTEGER NOT NULL DEFAULT 0,
				is_unsynced INTEGER NOT NULL DEFAULT 1
			)
		`)
		return err
	},
}

// Entities is the entity metadata list for the items table, ordered with
// id first and lts last per the column-list convention used throughout
// internal/sync.
var Entities = []sync.EntityMetadata{
	{Name: "items", Columns: []string{"id", "name", "done", "lts"}},
}

// Migrations is the full ordered migration set for the example app.
var Migrations = []store.Migration{ItemsMigration}
