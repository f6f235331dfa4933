package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/marcus/localsync/internal/store"
)

var widgetsMigration = store.Migration{
	Version:     1,
	Description: "widgets",
	Apply: func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT, lts INTEGER DEFAULT 0, is_unsynced INTEGER DEFAULT 1)`)
		return err
	},
}

func widgetsProvider() EntityMetadataProvider {
	return NewEntityMetadataProvider([]EntityMetadata{
		{Name: "widgets", Columns: []string{"id", "name", "lts"}},
		{Name: archiveEntity, Columns: archiveColumns},
	})
}

func seedWatermark(t *testing.T, db *store.DB, entity string, lts int64) {
	t.Helper()
	if _, err := db.Execute(context.Background(),
		`INSERT INTO syncing_table (entity_name, last_received_lts) VALUES (?, ?)`, entity, lts); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
}

func TestPullOnceUpsertsNewRows(t *testing.T) {
	db, err := store.OpenMemory(t.TempDir(), []store.Migration{widgetsMigration})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	seedWatermark(t, db, "widgets", 0)

	served := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if served {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
			return
		}
		served = true
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"id": "w1", "name": "gizmo", "lts": 10},
			{"id": "w2", "name": "gadget", "lts": 11},
		}})
	})

	puller := NewPuller(db, client, widgetsProvider(), nil)
	if err := puller.PullOnce(context.Background()); err != nil {
		t.Fatalf("PullOnce: %v", err)
	}

	rows, err := db.GetAll(context.Background(), `SELECT id, name, is_unsynced FROM widgets ORDER BY id`)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, row := range rows {
		if unsynced, _ := row["is_unsynced"].(int64); unsynced != 0 {
			t.Errorf("row %v: is_unsynced = %v, want 0 (I1)", row["id"], row["is_unsynced"])
		}
	}

	wm, err := puller.registeredEntities(context.Background())
	if err != nil {
		t.Fatalf("registeredEntities: %v", err)
	}
	found := false
	for _, w := range wm {
		if w.EntityName == "widgets" {
			found = true
			if w.LastReceivedLTS != 11 {
				t.Errorf("watermark = %d, want 11", w.LastReceivedLTS)
			}
		}
	}
	if !found {
		t.Fatal("widgets watermark not found")
	}
}

func TestPullOnceDefersWhenLocalRowsDirty(t *testing.T) {
	db, err := store.OpenMemory(t.TempDir(), []store.Migration{widgetsMigration})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	seedWatermark(t, db, "widgets", 5)

	if _, err := db.Execute(context.Background(),
		`INSERT INTO widgets (id, name, lts, is_unsynced) VALUES ('local1', 'pending', 0, 1)`); err != nil {
		t.Fatalf("seed dirty row: %v", err)
	}

	serverCalled := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		serverCalled = true
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"id": "w1", "name": "gizmo", "lts": 10},
		}})
	})

	puller := NewPuller(db, client, widgetsProvider(), nil)
	if err := puller.PullOnce(context.Background()); err != nil {
		t.Fatalf("PullOnce: %v", err)
	}
	if !serverCalled {
		t.Fatal("expected at least one fetch attempt before the dirty check deferred application")
	}

	row, ok, err := db.GetOptional(context.Background(), `SELECT id FROM widgets WHERE id = 'w1'`)
	if err != nil {
		t.Fatalf("GetOptional: %v", err)
	}
	if ok {
		t.Errorf("remote row %v should not have been applied while local dirty rows exist (4.3d)", row)
	}

	rows, err := db.GetAll(context.Background(), `SELECT last_received_lts FROM syncing_table WHERE entity_name = 'widgets'`)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if lts, _ := rows[0]["last_received_lts"].(int64); lts != 5 {
		t.Errorf("watermark advanced to %d despite deferral, want unchanged 5", lts)
	}
}

func TestPullOnceArchiveAppliesTombstones(t *testing.T) {
	db, err := store.OpenMemory(t.TempDir(), []store.Migration{widgetsMigration})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	seedWatermark(t, db, archiveEntity, 0)

	if _, err := db.Execute(context.Background(),
		`INSERT INTO widgets (id, name, lts, is_unsynced) VALUES ('w1', 'gizmo', 10, 0)`); err != nil {
		t.Fatalf("seed widget: %v", err)
	}

	served := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if served {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
			return
		}
		served = true
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"id": "a1", "table_name": "widgets", "data_id": "w1", "data": "{}", "lts": 20},
		}})
	})

	puller := NewPuller(db, client, widgetsProvider(), nil)
	if err := puller.PullOnce(context.Background()); err != nil {
		t.Fatalf("PullOnce: %v", err)
	}

	_, ok, err := db.GetOptional(context.Background(), `SELECT id FROM widgets WHERE id = 'w1'`)
	if err != nil {
		t.Fatalf("GetOptional: %v", err)
	}
	if ok {
		t.Error("tombstoned row w1 still present in widgets")
	}
}
