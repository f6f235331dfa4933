package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/syncclient"
)

// pushBatchSize is the canonical batch size from spec.md 4.4a.
const pushBatchSize = 100

// Pusher drains locally dirty rows across every registered entity,
// including the archive (tombstone) entity, which is pushed like any other
// table.
type Pusher struct {
	db       *store.DB
	client   *syncclient.Client
	entities EntityMetadataProvider
	log      *slog.Logger
}

// NewPusher constructs a Pusher.
func NewPusher(db *store.DB, client *syncclient.Client, entities EntityMetadataProvider, log *slog.Logger) *Pusher {
	if log == nil {
		log = slog.Default()
	}
	return &Pusher{db: db, client: client, entities: entities, log: log}
}

// PushOnce attempts to drain all dirty rows across every registered entity,
// per spec.md 4.4. It returns a non-nil error if any entity's batch could
// not be confirmed committed — the caller (Orchestrator) is expected to
// retry the whole sync on the next cycle.
func (p *Pusher) PushOnce(ctx context.Context) error {
	names, err := p.registeredEntityNames(ctx)
	if err != nil {
		return fmt.Errorf("load registered entities: %w", err)
	}

	var firstErr error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pushEntity(ctx, name); err != nil {
			p.log.Warn("push: entity failed", "entity", name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Pusher) registeredEntityNames(ctx context.Context) ([]string, error) {
	rows, err := p.db.GetAll(ctx, `SELECT entity_name FROM syncing_table`)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["entity_name"].(string); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (p *Pusher) pushEntity(ctx context.Context, entity string) error {
	meta, ok := p.entities.Entity(entity)
	if !ok {
		return fmt.Errorf("no entity metadata for %s", entity)
	}

	offset := 0
	for {
		window, err := p.dirtyWindow(ctx, entity, meta.Columns, offset)
		if err != nil {
			return fmt.Errorf("select dirty window %s: %w", entity, err)
		}
		if len(window) == 0 {
			return nil
		}

		verdicts, err := p.client.PushBatch(ctx, entity, window)
		if err != nil {
			return fmt.Errorf("push batch %s: %w", entity, err)
		}

		var conflicts []pendingConflict
		err = p.db.WriteTransaction(ctx, []string{entity}, func(tx *store.Tx) error {
			reread, err := dirtyWindowTx(ctx, tx, entity, meta.Columns, offset, len(window))
			if err != nil {
				return fmt.Errorf("re-read dirty window: %w", err)
			}
			if !windowsEqual(window, reread) {
				// 4.4g: dirty set mutated mid-flight; abandon this batch by
				// rolling back (returning an error) and let the caller retry.
				return errDirtyWindowChanged
			}
			conflicts, err = p.applyVerdicts(ctx, tx, entity, verdicts)
			return err
		})
		if err != nil {
			if errors.Is(err, errDirtyWindowChanged) {
				return fmt.Errorf("push %s: %w", entity, err)
			}
			return fmt.Errorf("apply verdicts %s: %w", entity, err)
		}
		// Conflicts are recorded after the transaction commits: RecordConflict
		// opens its own connection and write-lock, which would deadlock against
		// the single-connection pool and non-reentrant file lock still held by
		// the WriteTransaction above.
		for _, c := range conflicts {
			p.recordConflict(c.entity, c.id, c.localSnapshot, c.reason)
		}
		if len(window) < pushBatchSize {
			return nil
		}
		offset += pushBatchSize
	}
}

var errDirtyWindowChanged = errors.New("dirty window changed mid-flight, retry")

func (p *Pusher) dirtyWindow(ctx context.Context, entity string, columns []string, offset int) ([]map[string]any, error) {
	query := dirtySelect(entity, columns)
	rows, err := p.db.GetAll(ctx, query, pushBatchSize, offset)
	if err != nil {
		return nil, err
	}
	return projectRows(rows, columns), nil
}

func dirtyWindowTx(ctx context.Context, tx *store.Tx, entity string, columns []string, offset, limit int) ([]map[string]any, error) {
	query := dirtySelect(entity, columns)
	rows, err := tx.GetAll(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	return projectRows(rows, columns), nil
}

func dirtySelect(entity string, columns []string) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE is_unsynced = 1 ORDER BY id LIMIT ? OFFSET ?",
		joinColumns(columns), entity,
	)
}

func joinColumns(columns []string) string {
	out := ""
	for i, c := range columns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func projectRows(rows []store.Row, columns []string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		projected := make(map[string]any, len(columns))
		for _, col := range columns {
			projected[col] = row[col]
		}
		out = append(out, projected)
	}
	return out
}

// windowsEqual does the "deep equality" check of spec.md §9: equality of
// projected column tuples in declared order, by value.
func windowsEqual(a, b []map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for k, v := range a[i] {
			if b[i][k] != v {
				return false
			}
		}
	}
	return true
}

// pendingConflict captures the conflict-log write a rejected verdict needs,
// deferred until after the enclosing transaction commits (see pushEntity).
type pendingConflict struct {
	entity        string
	id            string
	localSnapshot string
	reason        string
}

// applyVerdicts implements 4.4h: accepted rows adopt the server lts and
// clear is_unsynced; rejected or unrecognized statuses clear is_unsynced
// without adopting a new lts (I4: the row must leave the dirty set either
// way, never stay dirty forever). Any conflicts to log are returned rather
// than written here, since recording them needs a connection of its own.
func (p *Pusher) applyVerdicts(ctx context.Context, tx *store.Tx, entity string, verdicts []syncclient.PushVerdict) ([]pendingConflict, error) {
	var conflicts []pendingConflict
	for _, v := range verdicts {
		switch v.Status {
		case "accepted":
			var lts any
			if v.LTS != nil {
				lts = *v.LTS
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET is_unsynced = 0, lts = ? WHERE id = ?`, entity), lts, v.ID); err != nil {
				return nil, fmt.Errorf("apply accepted verdict %s: %w", v.ID, err)
			}
		case "rejected":
			if v.Reason != "" {
				if snapshot, ok, err := tx.GetOptional(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, entity), v.ID); err != nil {
					return nil, fmt.Errorf("snapshot rejected row %s: %w", v.ID, err)
				} else if ok {
					conflicts = append(conflicts, pendingConflict{
						entity:        entity,
						id:            v.ID,
						localSnapshot: fmt.Sprintf("%v", snapshot),
						reason:        v.Reason,
					})
				}
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET is_unsynced = 0 WHERE id = ?`, entity), v.ID); err != nil {
				return nil, fmt.Errorf("apply rejected verdict %s: %w", v.ID, err)
			}
		default:
			p.log.Warn("push: unknown verdict status, treating as reject", "entity", entity, "id", v.ID, "status", v.Status)
			if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET is_unsynced = 0 WHERE id = ?`, entity), v.ID); err != nil {
				return nil, fmt.Errorf("apply unknown verdict %s: %w", v.ID, err)
			}
		}
	}
	return conflicts, nil
}

func (p *Pusher) recordConflict(entity, rowID, localSnapshot, reason string) {
	if err := p.db.RecordConflict(entity, rowID, localSnapshot, reason); err != nil {
		p.log.Warn("push: record conflict failed", "entity", entity, "id", rowID, "err", err)
	}
}
