// Package syncharness drives full Orchestrator instances against a fake
// in-process sync server, for integration tests that exercise the real
// push/pull/registrar/event-listener wiring instead of mocking any of it.
package syncharness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/marcus/localsync/internal/store"
	tdsync "github.com/marcus/localsync/internal/sync"
)

// memServer is a minimal, correct fake of the four sync endpoints
// (internal/syncclient.Client's counterparty): it keeps a real per-entity
// monotonic lts counter and an append-only version history, so multiple
// SimulatedClients pushing and pulling against it exercise genuine
// multi-client convergence rather than a single fixed canned response.
type memServer struct {
	mu        sync.Mutex
	history   map[string][]serverRow    // entity -> versions ordered by lts ascending
	nextLTS   map[string]int64          // entity -> high-water mark
	latestByID map[string]map[string]int64 // entity -> row id -> lts of its current version
	subs      map[chan string]struct{}

	// onPush, if set, runs synchronously inside the POST /data handler after
	// decoding the request but before computing verdicts — a hook for tests
	// simulating a local write that lands during the HTTP round trip.
	onPush func(entity string, rows []map[string]any)
}

type serverRow struct {
	lts  int64
	data map[string]any
}

func newMemServer() *memServer {
	return &memServer{
		history:    make(map[string][]serverRow),
		nextLTS:    make(map[string]int64),
		latestByID: make(map[string]map[string]int64),
		subs:       make(map[chan string]struct{}),
	}
}

func (s *memServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest-lts", s.handleLatestLTS)
	mux.HandleFunc("/data", s.handleData)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

func (s *memServer) handleLatestLTS(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("name")
	s.mu.Lock()
	lts := s.nextLTS[entity]
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"lts": lts})
}

func (s *memServer) handleData(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleFetchPage(w, r)
	case http.MethodPost:
		s.handlePush(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *memServer) handleFetchPage(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("name")
	var afterLTS int64
	fmt.Sscanf(r.URL.Query().Get("lts"), "%d", &afterLTS)
	pageSize := 1000
	fmt.Sscanf(r.URL.Query().Get("pageSize"), "%d", &pageSize)

	s.mu.Lock()
	versions := s.history[entity]
	s.mu.Unlock()

	page := make([]map[string]any, 0, pageSize)
	for _, v := range versions {
		if v.lts <= afterLTS {
			continue
		}
		page = append(page, v.data)
		if len(page) == pageSize {
			break
		}
	}
	json.NewEncoder(w).Encode(map[string]any{"data": page})
}

func (s *memServer) handlePush(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(body.Data), &rows); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.onPush != nil {
		s.onPush(body.Name, rows)
	}

	results := make([]map[string]any, 0, len(rows))
	s.mu.Lock()
	if s.latestByID[body.Name] == nil {
		s.latestByID[body.Name] = make(map[string]int64)
	}
	known := s.latestByID[body.Name]
	for _, row := range rows {
		id, _ := row["id"].(string)

		// Optimistic concurrency: a row pushed with a non-null lts that
		// doesn't match the server's current version for that id lost the
		// race to a concurrent writer and is rejected (spec.md §8 scenario
		// 3's "server-wins conflict").
		if current, tracked := known[id]; tracked {
			if clientLTS, hasLTS := numericLTS(row["lts"]); hasLTS && clientLTS != current {
				results = append(results, map[string]any{"id": id, "status": "rejected", "reason": "lts_mismatch"})
				continue
			}
		}

		s.nextLTS[body.Name]++
		lts := s.nextLTS[body.Name]

		stored := make(map[string]any, len(row)+1)
		for k, v := range row {
			stored[k] = v
		}
		stored["lts"] = lts
		s.history[body.Name] = append(s.history[body.Name], serverRow{lts: lts, data: stored})
		known[id] = lts

		results = append(results, map[string]any{"id": id, "status": "accepted", "lts": lts})
	}
	s.broadcastLocked()
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"results": results})
}

// broadcastLocked notifies every open /events stream that something
// changed; callers must hold s.mu. The event channel carries no payload
// beyond "something changed, resync" (internal/sync/events.go treats any
// "data:"-prefixed line identically), so one generic line suffices.
func (s *memServer) broadcastLocked() {
	for ch := range s.subs {
		select {
		case ch <- "changed":
		default:
		}
	}
}

// numericLTS extracts an int64 lts value from a JSON-decoded field, which
// arrives as float64 (present) or nil (absent, e.g. a never-before-pushed
// row — Orchestrator.Write strips lts on every local write).
func numericLTS(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func (s *memServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan string, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch:
			fmt.Fprint(w, "data: changed\n\n")
			flusher.Flush()
		}
	}
}

// SimulatedClient wraps one user's Orchestrator against the harness's
// shared fake server.
type SimulatedClient struct {
	UserID string
	orch   *tdsync.Orchestrator
}

// Orchestrator exposes the underlying Orchestrator for assertions tests
// need beyond the harness's own helpers (e.g. DirtyCounts, RecentConflicts).
func (c *SimulatedClient) Orchestrator() *tdsync.Orchestrator { return c.orch }

// Harness manages a fake sync server and a fleet of SimulatedClients, all
// pointed at the same server and the same application id, each with its
// own on-disk SQLite database under a shared temp base dir.
type Harness struct {
	t          *testing.T
	srv        *httptest.Server
	ms         *memServer
	baseDir    string
	entities   []tdsync.EntityMetadata
	migrations []store.Migration
	clients    map[string]*SimulatedClient
	clientKeys []string
}

// NewEmptyHarness starts a fake server but adds no clients, for tests that
// need to seed server-side state (see SeedServerRow/BumpServerLTS) before
// any client's registrar baselines against it.
func NewEmptyHarness(t *testing.T, entities []tdsync.EntityMetadata, migrations []store.Migration) *Harness {
	t.Helper()

	ms := newMemServer()
	srv := httptest.NewServer(ms.handler())
	t.Cleanup(srv.Close)

	return &Harness{
		t:          t,
		srv:        srv,
		ms:         ms,
		baseDir:    t.TempDir(),
		entities:   entities,
		migrations: migrations,
		clients:    make(map[string]*SimulatedClient),
	}
}

// NewHarness starts a fake server and constructs numClients Orchestrators
// against it, each already Init'd under its own user id. entities and
// migrations describe the application schema under test.
func NewHarness(t *testing.T, numClients int, entities []tdsync.EntityMetadata, migrations []store.Migration) *Harness {
	t.Helper()

	h := NewEmptyHarness(t, entities, migrations)
	for i := 0; i < numClients; i++ {
		h.AddClient(string(rune('A' + i)))
	}
	return h
}

// AddClient inits and registers a new SimulatedClient named "client-<label>"
// under user id "user-<label>", e.g. AddClient("A").
func (h *Harness) AddClient(label string) *SimulatedClient {
	h.t.Helper()

	clientID := "client-" + label
	userID := "user-" + label

	orch := tdsync.New(tdsync.Options{
		BaseDir:      h.baseDir,
		AppID:        "harness-app",
		ServerURL:    h.srv.URL,
		GetAuthToken: func(ctx context.Context) (string, error) { return "harness-token", nil },
		Entities:     h.entities,
		Migrations:   h.migrations,
	})
	if err := orch.Init(context.Background(), userID); err != nil {
		h.t.Fatalf("init client %s: %v", clientID, err)
	}
	h.t.Cleanup(func() { orch.Shutdown() })

	c := &SimulatedClient{UserID: userID, orch: orch}
	h.clients[clientID] = c
	h.clientKeys = append(h.clientKeys, clientID)
	return c
}

func (h *Harness) client(clientID string) *SimulatedClient {
	h.t.Helper()
	c, ok := h.clients[clientID]
	if !ok {
		h.t.Fatalf("unknown client: %s", clientID)
	}
	return c
}

// Write performs a local write on clientID's database, mirroring an
// application calling Orchestrator.Write directly.
func (h *Harness) Write(clientID, table string, data map[string]any) error {
	return h.client(clientID).orch.Write(context.Background(), table, data)
}

// Delete performs a local delete on clientID's database.
func (h *Harness) Delete(clientID, table, id string) error {
	return h.client(clientID).orch.Delete(context.Background(), table, id)
}

// Sync runs one synchronous full_sync cycle for clientID.
func (h *Harness) Sync(clientID string) error {
	return h.client(clientID).orch.FullSync(context.Background())
}

// SyncAll runs Sync for every client in a fixed order, useful for driving
// convergence after a round of independent writes.
func (h *Harness) SyncAll() error {
	for _, id := range h.clientKeys {
		if err := h.Sync(id); err != nil {
			return fmt.Errorf("sync %s: %w", id, err)
		}
	}
	return nil
}

// QueryRow reads a single row by id from clientID's copy of table, or nil
// if absent.
func (h *Harness) QueryRow(clientID, table, id string) map[string]any {
	h.t.Helper()
	row, ok, err := h.client(clientID).orch.DB().GetOptional(context.Background(),
		fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, table), id)
	if err != nil {
		h.t.Fatalf("query %s/%s on %s: %v", table, id, clientID, err)
	}
	if !ok {
		return nil
	}
	return row
}

// CountRows returns the number of rows in table on clientID's database.
func (h *Harness) CountRows(clientID, table string) int {
	h.t.Helper()
	rows, err := h.client(clientID).orch.DB().GetAll(context.Background(), fmt.Sprintf(`SELECT id FROM %s`, table))
	if err != nil {
		h.t.Fatalf("count %s on %s: %v", table, clientID, err)
	}
	return len(rows)
}

// dumpTable returns a deterministic string representation of every row in
// table, ordered by id, for equality comparison across clients.
func (h *Harness) dumpTable(clientID, table string) string {
	rows, err := h.client(clientID).orch.DB().GetAll(context.Background(),
		fmt.Sprintf(`SELECT * FROM %s ORDER BY id`, table))
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}

	var sb strings.Builder
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
		}
		sb.WriteString(strings.Join(parts, " | "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// AssertConverged fails the test if any two clients disagree on the
// contents of table.
func (h *Harness) AssertConverged(table string) {
	h.t.Helper()
	if len(h.clientKeys) < 2 {
		return
	}

	refRows := h.dumpTable(h.clientKeys[0], table)
	for _, clientID := range h.clientKeys[1:] {
		rows := h.dumpTable(clientID, table)
		if rows != refRows {
			h.t.Fatalf("DIVERGENCE in table %q between %s and %s:\n--- %s ---\n%s\n--- %s ---\n%s",
				table, h.clientKeys[0], clientID, h.clientKeys[0], refRows, clientID, rows)
		}
	}
}

// SeedServerRow injects a row version directly into the fake server's
// history at a caller-chosen lts, bypassing push entirely. Used to set up
// "server already has data from elsewhere" scenarios before a client ever
// registers or pulls the entity.
func (h *Harness) SeedServerRow(entity string, row map[string]any, lts int64) {
	h.ms.mu.Lock()
	defer h.ms.mu.Unlock()

	stored := make(map[string]any, len(row)+1)
	for k, v := range row {
		stored[k] = v
	}
	stored["lts"] = lts
	h.ms.history[entity] = append(h.ms.history[entity], serverRow{lts: lts, data: stored})
	if lts > h.ms.nextLTS[entity] {
		h.ms.nextLTS[entity] = lts
	}
	if h.ms.latestByID[entity] == nil {
		h.ms.latestByID[entity] = make(map[string]int64)
	}
	if id, ok := row["id"].(string); ok {
		h.ms.latestByID[entity][id] = lts
	}
}

// SetPushHook installs a callback invoked synchronously inside the fake
// server's POST /data handler, after it decodes the pushed rows but before
// it computes verdicts — used to simulate a local write landing during the
// push round trip (spec.md §8 scenario 5).
func (h *Harness) SetPushHook(fn func(entity string, rows []map[string]any)) {
	h.ms.mu.Lock()
	defer h.ms.mu.Unlock()
	h.ms.onPush = fn
}

// BumpServerLTS advances entity's high-water mark without adding a row
// version, simulating unrelated activity (e.g. other devices' tombstones)
// that moved the counter without the rows ever reaching this client.
func (h *Harness) BumpServerLTS(entity string, lts int64) {
	h.ms.mu.Lock()
	defer h.ms.mu.Unlock()
	if lts > h.ms.nextLTS[entity] {
		h.ms.nextLTS[entity] = lts
	}
}

// ServerLatestLTS returns the fake server's current high-water mark for
// entity, for assertions against syncing_table baselining.
func (h *Harness) ServerLatestLTS(entity string) int64 {
	h.ms.mu.Lock()
	defer h.ms.mu.Unlock()
	return h.ms.nextLTS[entity]
}

// Watermark reads clientID's syncing_table row for entity.
func (h *Harness) Watermark(clientID, entity string) (lts int64, ok bool) {
	h.t.Helper()
	row, found, err := h.client(clientID).orch.DB().GetOptional(context.Background(),
		`SELECT last_received_lts FROM syncing_table WHERE entity_name = ?`, entity)
	if err != nil {
		h.t.Fatalf("watermark %s/%s: %v", clientID, entity, err)
	}
	if !found {
		return 0, false
	}
	v, _ := row["last_received_lts"].(int64)
	return v, true
}
