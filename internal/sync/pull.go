package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/syncclient"
)

// pullPageSize is the canonical page size from spec.md 4.3a.
const pullPageSize = 1000

// Puller downloads pages of remote changes for every registered entity and
// applies them as upserts (or, for the archive entity, targeted deletes).
type Puller struct {
	db       *store.DB
	client   *syncclient.Client
	entities EntityMetadataProvider
	log      *slog.Logger
}

// NewPuller constructs a Puller.
func NewPuller(db *store.DB, client *syncclient.Client, entities EntityMetadataProvider, log *slog.Logger) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{db: db, client: client, entities: entities, log: log}
}

// PullOnce brings every registered entity up to the server's current state,
// per spec.md 4.3. A failure on one entity is logged and does not abort the
// remaining entities.
func (p *Puller) PullOnce(ctx context.Context) error {
	watermarks, err := p.registeredEntities(ctx)
	if err != nil {
		return fmt.Errorf("load registered entities: %w", err)
	}

	var firstErr error
	for _, w := range watermarks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pullEntity(ctx, w.EntityName, w.LastReceivedLTS); err != nil {
			p.log.Warn("pull: entity failed", "entity", w.EntityName, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Puller) registeredEntities(ctx context.Context) ([]Watermark, error) {
	rows, err := p.db.GetAll(ctx, `SELECT entity_name, last_received_lts FROM syncing_table`)
	if err != nil {
		return nil, err
	}
	out := make([]Watermark, 0, len(rows))
	for _, row := range rows {
		name, _ := row["entity_name"].(string)
		lts, _ := row["last_received_lts"].(int64)
		out = append(out, Watermark{EntityName: name, LastReceivedLTS: lts})
	}
	return out, nil
}

func (p *Puller) pullEntity(ctx context.Context, entity string, watermark int64) error {
	for {
		page, err := p.client.FetchPage(ctx, entity, watermark, pullPageSize)
		if err != nil {
			return fmt.Errorf("fetch page %s: %w", entity, err)
		}
		if len(page) == 0 {
			return nil
		}

		deferred := false
		err = p.db.WriteTransaction(ctx, p.triggerTables(entity, page), func(tx *store.Tx) error {
			dirty, err := entityHasDirtyRows(ctx, tx, entity)
			if err != nil {
				return fmt.Errorf("dirty check %s: %w", entity, err)
			}
			if dirty {
				// 4.3d: defer to the next push; commit the empty transaction
				// and stop this entity's loop for this cycle.
				deferred = true
				return nil
			}

			if entity == archiveEntity {
				if err := applyTombstones(ctx, tx, page); err != nil {
					return err
				}
			} else {
				if err := p.applyUpserts(ctx, tx, entity, page); err != nil {
					return err
				}
			}

			lastLTS := lastRowLTS(page)
			_, err = tx.Exec(ctx, `UPDATE syncing_table SET last_received_lts = ? WHERE entity_name = ?`, lastLTS, entity)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply page %s: %w", entity, err)
		}
		if deferred {
			return nil
		}

		if len(page) < pullPageSize {
			return nil
		}
		watermark = lastRowLTS(page)
	}
}

// triggerTables returns the set of tables a page application will mutate,
// for the Watch notification fan-out.
func (p *Puller) triggerTables(entity string, page []map[string]any) []string {
	if entity != archiveEntity {
		return []string{entity, "syncing_table"}
	}
	tables := map[string]struct{}{"archive": {}, "syncing_table": {}}
	for _, row := range page {
		if name, ok := row["table_name"].(string); ok {
			tables[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(tables))
	for t := range tables {
		out = append(out, t)
	}
	return out
}

func entityHasDirtyRows(ctx context.Context, tx *store.Tx, entity string) (bool, error) {
	if entity == archiveEntity {
		_, ok, err := tx.GetOptional(ctx, `SELECT id FROM archive WHERE is_unsynced = 1 LIMIT 1`)
		return ok, err
	}
	_, ok, err := tx.GetOptional(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE is_unsynced = 1 LIMIT 1`, entity))
	return ok, err
}

// applyTombstones implements 4.3e: each archive row names the table and id
// of a row that was deleted elsewhere; both deletes are idempotent.
func applyTombstones(ctx context.Context, tx *store.Tx, page []map[string]any) error {
	for _, row := range page {
		tableName, _ := row["table_name"].(string)
		dataID, _ := row["data_id"].(string)
		archiveID, _ := row["id"].(string)
		if tableName == "" || dataID == "" {
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tableName), dataID); err != nil {
			return fmt.Errorf("delete tombstoned row %s/%s: %w", tableName, dataID, err)
		}
		if archiveID != "" {
			if _, err := tx.Exec(ctx, `DELETE FROM archive WHERE id = ?`, archiveID); err != nil {
				return fmt.Errorf("delete tombstone %s: %w", archiveID, err)
			}
		}
	}
	return nil
}

// applyUpserts implements 4.3f: INSERT ... ON CONFLICT(id) DO UPDATE over
// the entity's syncable column list, excluding is_unsynced (I1). Newly
// inserted rows get is_unsynced = 0; updated rows keep their is_unsynced.
func (p *Puller) applyUpserts(ctx context.Context, tx *store.Tx, entity string, page []map[string]any) error {
	meta, ok := p.entities.Entity(entity)
	if !ok {
		return fmt.Errorf("no entity metadata for %s", entity)
	}

	stmt := upsertStatement(entity, meta.Columns)
	for _, row := range page {
		params := make([]any, len(meta.Columns))
		for i, col := range meta.Columns {
			params[i] = row[col]
		}
		if _, err := tx.Exec(ctx, stmt, params...); err != nil {
			return fmt.Errorf("upsert %s row: %w", entity, err)
		}
	}
	return nil
}

func upsertStatement(entity string, columns []string) string {
	placeholders := make([]string, len(columns))
	updates := make([]string, 0, len(columns)-1)
	for i, col := range columns {
		placeholders[i] = "?"
		if col != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s, is_unsynced) VALUES (%s, 0) ON CONFLICT(id) DO UPDATE SET %s",
		entity, strings.Join(columns, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
}

func lastRowLTS(page []map[string]any) int64 {
	if len(page) == 0 {
		return 0
	}
	switch v := page[len(page)-1]["lts"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
