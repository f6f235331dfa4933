package syncharness

import "testing"

// TestConvergenceIndependentWritesAcrossClients exercises the general
// property spec.md §8's scenarios illustrate one at a time: any number of
// devices making independent writes offline converge to the same table
// contents once every device has pushed and pulled at least once.
func TestConvergenceIndependentWritesAcrossClients(t *testing.T) {
	h := NewHarness(t, 3, itemsEntities, itemsMigrations)

	if err := h.Write("client-A", "items", map[string]any{"id": "1", "name": "from-a"}); err != nil {
		t.Fatalf("Write A: %v", err)
	}
	if err := h.Write("client-B", "items", map[string]any{"id": "2", "name": "from-b"}); err != nil {
		t.Fatalf("Write B: %v", err)
	}
	if err := h.Write("client-C", "items", map[string]any{"id": "3", "name": "from-c"}); err != nil {
		t.Fatalf("Write C: %v", err)
	}

	// One pass each is not enough for full convergence (C's row hasn't
	// reached A yet after A's own push/pull, since A pulls before C has
	// pushed) — two full rounds guarantee every row has had a chance to
	// push before every other client pulls.
	for i := 0; i < 2; i++ {
		if err := h.SyncAll(); err != nil {
			t.Fatalf("SyncAll round %d: %v", i, err)
		}
	}

	h.AssertConverged("items")

	for _, clientID := range []string{"client-A", "client-B", "client-C"} {
		if got := h.CountRows(clientID, "items"); got != 3 {
			t.Errorf("%s has %d items rows, want 3", clientID, got)
		}
	}
}

// TestConvergenceDeleteByDifferentClient covers a device deleting
// a row it never wrote (having pulled it from a third device), verifying
// the tombstone travels correctly through an intermediary.
func TestConvergenceDeleteByDifferentClient(t *testing.T) {
	h := NewHarness(t, 3, itemsEntities, itemsMigrations)

	if err := h.Write("client-A", "items", map[string]any{"id": "r", "name": "original"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := h.Sync("client-A"); err != nil {
		t.Fatalf("Sync A: %v", err)
	}
	if err := h.Sync("client-B"); err != nil {
		t.Fatalf("Sync B: %v", err)
	}
	if h.QueryRow("client-B", "items", "r") == nil {
		t.Fatal("client-B never received row r")
	}

	if err := h.Delete("client-B", "items", "r"); err != nil {
		t.Fatalf("Delete on B: %v", err)
	}
	if err := h.Sync("client-B"); err != nil {
		t.Fatalf("Sync B (delete): %v", err)
	}
	if err := h.Sync("client-A"); err != nil {
		t.Fatalf("Sync A (pull tombstone): %v", err)
	}
	if err := h.Sync("client-C"); err != nil {
		t.Fatalf("Sync C (pull tombstone): %v", err)
	}

	for _, clientID := range []string{"client-A", "client-B", "client-C"} {
		if h.QueryRow(clientID, "items", "r") != nil {
			t.Errorf("%s still has row r after delete propagated from an intermediary", clientID)
		}
	}
	h.AssertConverged("items")
}
