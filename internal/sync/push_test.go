package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/syncclient"
)

func TestPushOnceAdoptsServerLTSOnAccept(t *testing.T) {
	db, err := store.OpenMemory(t.TempDir(), []store.Migration{widgetsMigration})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	seedWatermark(t, db, "widgets", 0)

	if _, err := db.Execute(context.Background(),
		`INSERT INTO widgets (id, name, lts, is_unsynced) VALUES ('w1', 'gizmo', NULL, 1)`); err != nil {
		t.Fatalf("seed dirty row: %v", err)
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		lts := int64(42)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []syncclient.PushVerdict{{ID: "w1", Status: "accepted", LTS: &lts}},
		})
	})

	pusher := NewPusher(db, client, widgetsProvider(), nil)
	if err := pusher.PushOnce(context.Background()); err != nil {
		t.Fatalf("PushOnce: %v", err)
	}

	row, ok, err := db.GetOptional(context.Background(), `SELECT lts, is_unsynced FROM widgets WHERE id = 'w1'`)
	if err != nil || !ok {
		t.Fatalf("GetOptional: ok=%v err=%v", ok, err)
	}
	if lts, _ := row["lts"].(int64); lts != 42 {
		t.Errorf("lts = %v, want 42", row["lts"])
	}
	if unsynced, _ := row["is_unsynced"].(int64); unsynced != 0 {
		t.Errorf("is_unsynced = %v, want 0", row["is_unsynced"])
	}
}

func TestPushOnceRejectedRowClearsDirtyAndLogsConflict(t *testing.T) {
	db, err := store.OpenMemory(t.TempDir(), []store.Migration{widgetsMigration})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	seedWatermark(t, db, "widgets", 0)

	if _, err := db.Execute(context.Background(),
		`INSERT INTO widgets (id, name, lts, is_unsynced) VALUES ('w1', 'gizmo', 5, 1)`); err != nil {
		t.Fatalf("seed dirty row: %v", err)
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []syncclient.PushVerdict{{ID: "w1", Status: "rejected", Reason: "stale lts"}},
		})
	})

	pusher := NewPusher(db, client, widgetsProvider(), nil)
	if err := pusher.PushOnce(context.Background()); err != nil {
		t.Fatalf("PushOnce: %v", err)
	}

	row, ok, err := db.GetOptional(context.Background(), `SELECT lts, is_unsynced FROM widgets WHERE id = 'w1'`)
	if err != nil || !ok {
		t.Fatalf("GetOptional: ok=%v err=%v", ok, err)
	}
	if unsynced, _ := row["is_unsynced"].(int64); unsynced != 0 {
		t.Errorf("is_unsynced = %v, want 0 (I4: must leave dirty set even on rejection)", row["is_unsynced"])
	}
	if lts, _ := row["lts"].(int64); lts != 5 {
		t.Errorf("lts = %v, want unchanged 5 on rejection", row["lts"])
	}

	conflicts, err := db.GetRecentConflicts(10, nil)
	if err != nil {
		t.Fatalf("GetRecentConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	if conflicts[0].RowID != "w1" {
		t.Errorf("conflict row id = %q, want w1", conflicts[0].RowID)
	}
}

func TestPushOnceNothingDirtyIsNoOp(t *testing.T) {
	db, err := store.OpenMemory(t.TempDir(), []store.Migration{widgetsMigration})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	seedWatermark(t, db, "widgets", 0)

	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	pusher := NewPusher(db, client, widgetsProvider(), nil)
	if err := pusher.PushOnce(context.Background()); err != nil {
		t.Fatalf("PushOnce: %v", err)
	}
	if called {
		t.Error("server was contacted despite no dirty rows")
	}
}
