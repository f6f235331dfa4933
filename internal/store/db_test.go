package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file not created")
	}

	exists, err := db.tableExists("syncing_table")
	if err != nil {
		t.Fatalf("tableExists failed: %v", err)
	}
	if !exists {
		t.Error("syncing_table not created by base schema")
	}

	exists, err = db.tableExists("archive")
	if err != nil {
		t.Fatalf("tableExists failed: %v", err)
	}
	if !exists {
		t.Error("archive not created by base schema")
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	migrations := []Migration{
		{
			Version:     1,
			Description: "create widgets",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, lts INTEGER DEFAULT 0, is_unsynced INTEGER DEFAULT 1)`)
				return err
			},
		},
	}

	db, err := Open(dbPath, migrations)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	exists, err := db.tableExists("widgets")
	if err != nil {
		t.Fatalf("tableExists failed: %v", err)
	}
	if !exists {
		t.Error("widgets table not created by migration")
	}

	version, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d, want 1", version)
	}
}

func TestOpenMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	migrations := []Migration{
		{
			Version:     1,
			Description: "create widgets",
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY)`)
				return err
			},
		},
	}

	db, err := Open(dbPath, migrations)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	db.Close()

	db2, err := Open(dbPath, migrations)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer db2.Close()

	applied, err := db2.RunMigrations(migrations)
	if err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected no migrations re-applied, got %d", applied)
	}
}
