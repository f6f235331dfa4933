package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/syncclient"
)

// archiveColumns is the fixed, non-configurable syncable column list of the
// tombstone entity (I6's archive row shape from spec.md §6).
var archiveColumns = []string{"id", "table_name", "data_id", "data", "lts"}

// Orchestrator is the façade user code drives: Write/Delete dirty rows,
// FullSync drains and refills them, and the event listener wakes it on
// server-side changes. It owns the in_progress/repeat debounce of
// spec.md 4.5.
type Orchestrator struct {
	db       *store.DB
	client   *syncclient.Client
	entities EntityMetadataProvider
	log      *slog.Logger

	registrar *Registrar
	puller    *Puller
	pusher    *Pusher
	listener  *EventListener

	opts Options

	mu          sync.Mutex
	initialized bool
	syncing     bool
	repeat      bool

	group singleflight.Group

	cancelListener context.CancelFunc
	notify         chan struct{}
}

// Options configures a new Orchestrator.
type Options struct {
	BaseDir      string
	AppID        string
	ServerURL    string
	GetAuthToken syncclient.TokenSource
	Entities     []EntityMetadata
	Migrations   []store.Migration
	Logger       *slog.Logger
}

// New constructs an Orchestrator. Init must be called before any other
// method.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	entities := append([]EntityMetadata{{Name: archiveEntity, Columns: archiveColumns}}, opts.Entities...)
	provider := NewEntityMetadataProvider(entities)

	client := syncclient.New(opts.ServerURL, opts.AppID, opts.GetAuthToken)

	return &Orchestrator{
		client:   client,
		entities: provider,
		log:      log,
		notify:   make(chan struct{}, 1),
		opts:     opts,
	}
}

// Notifications returns a channel that receives a signal (possibly
// coalesced) on every change-notification emission: init, sync start/end,
// and event-channel connect/disconnect.
func (o *Orchestrator) Notifications() <-chan struct{} { return o.notify }

func (o *Orchestrator) emitChange() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Init resolves the per-user database path, opens the store, runs
// migrations, registers the tombstone entity, and starts the event
// channel listener, per spec.md 4.5 init(user_id).
func (o *Orchestrator) Init(ctx context.Context, userID string) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	dbPath, err := store.ResolvePath(o.opts.BaseDir, o.opts.AppID, userID)
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}

	db, err := store.Open(dbPath, o.opts.Migrations)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	o.db = db

	o.registrar = NewRegistrar(o.db, o.client, o.log)
	o.puller = NewPuller(o.db, o.client, o.entities, o.log)
	o.pusher = NewPusher(o.db, o.client, o.entities, o.log)

	if err := o.registrar.RegisterArchive(ctx); err != nil {
		return fmt.Errorf("register archive entity: %w", err)
	}
	for _, e := range o.opts.Entities {
		if err := o.registrar.Register(ctx, e.Name); err != nil {
			return fmt.Errorf("register entity %s: %w", e.Name, err)
		}
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	o.cancelListener = cancel
	o.listener = NewEventListener(o.client, o, o.log)
	go o.listener.Run(listenerCtx)

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()

	o.emitChange()
	return nil
}

// Shutdown cancels the event listener and closes the store. It does not
// wait for or interrupt a FullSync that is already running; that cycle's
// remaining store operations fail on the closed store and are logged.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = false
	o.mu.Unlock()

	if o.cancelListener != nil {
		o.cancelListener()
	}
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

// RegisterEntity is the CLI/ops entry point for (re-)registering a single
// entity, e.g. after a schema update adds a new syncable table.
func (o *Orchestrator) RegisterEntity(ctx context.Context, name string) error {
	return o.registrar.Register(ctx, name)
}

// IsInitialized reports whether Init has completed successfully.
func (o *Orchestrator) IsInitialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// IsSyncing reports whether a FullSync is currently running.
func (o *Orchestrator) IsSyncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// EventChannelConnected reports whether the event listener currently holds
// a live connection.
func (o *Orchestrator) EventChannelConnected() bool {
	if o.listener == nil {
		return false
	}
	return o.listener.Connected()
}

// Write upserts data into table with is_unsynced=1, assigning a fresh id if
// absent and stripping any caller-supplied lts (I2), then triggers a
// fire-and-forget FullSync.
func (o *Orchestrator) Write(ctx context.Context, table string, data map[string]any) error {
	meta, ok := o.entities.Entity(table)
	if !ok {
		return fmt.Errorf("write: unknown entity %s", table)
	}

	row := make(map[string]any, len(data)+1)
	for k, v := range data {
		row[k] = v
	}
	if _, ok := row["id"]; !ok || row["id"] == "" {
		row["id"] = uuid.NewString()
	}
	delete(row, "lts")

	cols := make([]string, 0, len(meta.Columns))
	for _, c := range meta.Columns {
		if c != "lts" {
			cols = append(cols, c)
		}
	}

	err := o.db.WriteTransaction(ctx, []string{table}, func(tx *store.Tx) error {
		stmt := writeUpsertStatement(table, cols)
		params := make([]any, len(cols))
		for i, c := range cols {
			params[i] = row[c]
		}
		_, err := tx.Exec(ctx, stmt, params...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}

	go o.triggerFullSync()
	return nil
}

func writeUpsertStatement(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	colList := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		colList[i] = c
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	updates = append(updates, "is_unsynced = 1")
	return fmt.Sprintf(
		"INSERT INTO %s (%s, is_unsynced) VALUES (%s, 1) ON CONFLICT(id) DO UPDATE SET %s",
		table, strings.Join(colList, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
}

// Delete removes id from table, first archiving it as a tombstone in the
// same transaction (I6). A delete of a nonexistent row is a logged no-op.
func (o *Orchestrator) Delete(ctx context.Context, table, id string) error {
	err := o.db.WriteTransaction(ctx, []string{table, archiveEntity}, func(tx *store.Tx) error {
		row, ok, err := tx.GetOptional(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, table), id)
		if err != nil {
			return fmt.Errorf("read existing row: %w", err)
		}
		if !ok {
			o.log.Info("delete: row not present, no-op", "table", table, "id", id)
			return nil
		}

		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode tombstone payload: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO archive (id, table_name, data_id, data, is_unsynced) VALUES (?, ?, ?, ?, 1)`,
			uuid.NewString(), table, id, string(payload),
		)
		if err != nil {
			return fmt.Errorf("insert tombstone: %w", err)
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}

	go o.triggerFullSync()
	return nil
}

// triggerFullSync is the fire-and-forget entry point used by Write, Delete,
// and the event listener; errors are logged, not returned, matching
// spec.md's "fire-and-forget" framing.
func (o *Orchestrator) triggerFullSync() {
	if err := o.FullSync(context.Background()); err != nil {
		o.log.Warn("full sync failed", "err", err)
	}
}

// FullSync runs one push-then-pull pass over every registered entity. A
// sync already in progress sets a repeat flag instead of re-entering; the
// repeat is collapsed into at most one extra cycle on completion, so callers
// that arrive while a cycle runs return nil at once without waiting for it.
// The cycle itself runs inside singleflight.Group.Do.
func (o *Orchestrator) FullSync(ctx context.Context) error {
	o.mu.Lock()
	if o.syncing {
		o.repeat = true
		o.mu.Unlock()
		return nil
	}
	o.syncing = true
	o.mu.Unlock()

	_, err, _ := o.group.Do("full-sync", func() (any, error) {
		return nil, o.runSyncCycle(ctx)
	})

	o.mu.Lock()
	o.syncing = false
	runAgain := o.repeat
	o.repeat = false
	o.mu.Unlock()

	if runAgain {
		return o.FullSync(ctx)
	}
	return err
}

func (o *Orchestrator) runSyncCycle(ctx context.Context) error {
	o.emitChange()
	defer o.emitChange()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := o.pusher.PushOnce(ctx); err != nil {
		o.log.Warn("push failed", "err", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.puller.PullOnce(ctx); err != nil {
		o.log.Warn("pull failed", "err", err)
	}
	return nil
}

// pushRetryCooldown is a retry interval for failed push cycles. Nothing in
// this package waits on it: FullSync logs a failed push and does not retry
// it; the push runs again on the next FullSync.
const pushRetryCooldown = 5 * time.Second

// DirtyCounts reports, for every registered entity, the number of rows
// currently awaiting push (is_unsynced = 1). Used by `localsync status`.
func (o *Orchestrator) DirtyCounts(ctx context.Context) (map[string]int, error) {
	rows, err := o.db.GetAll(ctx, `SELECT entity_name FROM syncing_table`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		name, _ := row["entity_name"].(string)
		if name == "" {
			continue
		}
		dirty, err := o.db.GetAll(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE is_unsynced = 1`, name))
		if err != nil {
			return nil, fmt.Errorf("count dirty %s: %w", name, err)
		}
		counts[name] = len(dirty)
	}
	return counts, nil
}

// RecentConflicts returns the most recent push-rejection conflicts logged
// across all entities, for operator visibility.
func (o *Orchestrator) RecentConflicts(limit int) ([]store.Conflict, error) {
	return o.db.GetRecentConflicts(limit, nil)
}

// DB returns the underlying store for read-only inspection by ops tooling
// and integration tests. Callers must route all mutations through
// Write/Delete (I1-I6 are enforced there, not in the store layer).
func (o *Orchestrator) DB() *store.DB {
	return o.db
}
