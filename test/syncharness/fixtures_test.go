package syncharness

import (
	"database/sql"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/sync"
)

// itemsMigration creates the minimal "items" table spec.md's worked
// examples (§8) use throughout: id, name, lts, is_unsynced.
var itemsMigration = store.Migration{
	Version:     1,
	Description: "create items",
	Apply: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS items (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				lts INTEGER,
				is_unsynced INTEGER NOT NULL DEFAULT 1
			)
		`)
		return err
	},
}

var itemsEntities = []sync.EntityMetadata{
	{Name: "items", Columns: []string{"id", "name", "lts"}},
}

var itemsMigrations = []store.Migration{itemsMigration}
