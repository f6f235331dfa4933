package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/syncclient"
)

const (
	registrarRetries    = 3
	registrarRetryPause = 2 * time.Second
)

// Registrar guarantees every tracked entity has a row in syncing_table,
// baselined against the server's current LTS so historic rows are not
// re-downloaded on first sync.
type Registrar struct {
	db     *store.DB
	client *syncclient.Client
	log    *slog.Logger
}

// NewRegistrar constructs a Registrar over db and client.
func NewRegistrar(db *store.DB, client *syncclient.Client, log *slog.Logger) *Registrar {
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{db: db, client: client, log: log}
}

// Register ensures entityName has a watermark row, per spec.md 4.2: read or
// fetch-and-insert. It is safe to call repeatedly (R3); a second call for an
// already-registered entity is a no-op read.
func (r *Registrar) Register(ctx context.Context, entityName string) error {
	existing, ok, err := r.watermark(ctx, entityName)
	if err != nil {
		return fmt.Errorf("read watermark %s: %w", entityName, err)
	}
	if ok {
		_ = existing
		return nil
	}

	baseline := r.fetchBaseline(ctx, entityName)

	err = r.db.WriteTransaction(ctx, []string{"syncing_table"}, func(tx *store.Tx) error {
		_, already, err := tx.GetOptional(ctx, `SELECT entity_name FROM syncing_table WHERE entity_name = ?`, entityName)
		if err != nil {
			return fmt.Errorf("recheck watermark: %w", err)
		}
		if already {
			return nil
		}
		_, err = tx.Exec(ctx, `INSERT INTO syncing_table (entity_name, last_received_lts) VALUES (?, ?)`, entityName, baseline)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert watermark %s: %w", entityName, err)
	}
	return nil
}

// RegisterArchive registers the tombstone entity; callers must do this once
// at Orchestrator.Init before any application entity sync runs (I5).
func (r *Registrar) RegisterArchive(ctx context.Context) error {
	return r.Register(ctx, archiveEntity)
}

func (r *Registrar) watermark(ctx context.Context, entityName string) (Watermark, bool, error) {
	row, ok, err := r.db.GetOptional(ctx, `SELECT entity_name, last_received_lts FROM syncing_table WHERE entity_name = ?`, entityName)
	if err != nil || !ok {
		return Watermark{}, false, err
	}
	lts, _ := row["last_received_lts"].(int64)
	return Watermark{EntityName: entityName, LastReceivedLTS: lts}, true, nil
}

// fetchBaseline implements spec.md 4.2 step 2: 403/404 short-circuits to 0,
// any other failure retries three times with a two-second pause before
// falling back to 0.
func (r *Registrar) fetchBaseline(ctx context.Context, entityName string) int64 {
	var lastErr error
	for attempt := 1; attempt <= registrarRetries; attempt++ {
		lts, err := r.client.LatestLTS(ctx, entityName)
		if err == nil {
			return lts
		}
		if errors.Is(err, syncclient.ErrForbidden) || errors.Is(err, syncclient.ErrNotFound) {
			r.log.Debug("registrar: entity unknown to server, baselining at 0", "entity", entityName)
			return 0
		}
		lastErr = err
		if attempt < registrarRetries {
			select {
			case <-ctx.Done():
				return 0
			case <-time.After(registrarRetryPause):
			}
		}
	}
	r.log.Warn("registrar: latest-lts failed after retries, baselining at 0", "entity", entityName, "err", lastErr)
	return 0
}
