package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Row is a generic result row projected through an entity's ordered column
// list. Syncable tables always carry id, lts, and is_unsynced.
type Row map[string]any

// GetAll runs query and scans every result row into a Row keyed by column
// name.
func (db *DB) GetAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// GetOptional runs query and returns its first row, or ok=false if it
// produced none.
func (db *DB) GetOptional(ctx context.Context, query string, args ...any) (Row, bool, error) {
	rows, err := db.GetAll(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Execute runs a single write statement outside of any caller-managed
// transaction, under the cross-process write lock.
func (db *DB) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := db.withWriteLock(func() error {
		var err error
		result, err = db.conn.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return result, nil
}

// ExecuteBatch prepares query once and executes it for every parameter set
// in paramSets inside a single transaction, under the write lock.
func (db *DB) ExecuteBatch(ctx context.Context, query string, paramSets [][]any) error {
	if len(paramSets) == 0 {
		return nil
	}

	return db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}
		defer stmt.Close()

		for i, params := range paramSets {
			if _, err := stmt.ExecContext(ctx, params...); err != nil {
				return fmt.Errorf("batch row %d: %w", i, err)
			}
		}

		return tx.Commit()
	})
}

// Tx is a caller-facing write transaction handle, scoped to one
// WriteTransaction call.
type Tx struct {
	tx *sql.Tx
}

// Exec runs a statement within the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// GetAll runs a read within the transaction, observing its own uncommitted
// writes.
func (t *Tx) GetAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// GetOptional is GetAll's single-row counterpart within the transaction.
func (t *Tx) GetOptional(ctx context.Context, query string, args ...any) (Row, bool, error) {
	rows, err := t.GetAll(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// WriteTransaction runs fn inside a SQLite transaction, holding the
// cross-process write lock for its whole duration, and on success notifies
// any Watch subscriptions registered against triggerTables. A panic or
// returned error rolls the transaction back.
func (db *DB) WriteTransaction(ctx context.Context, triggerTables []string, fn func(*Tx) error) (err error) {
	start := time.Now()
	err = db.withWriteLock(func() error {
		sqlTx, txErr := db.conn.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin transaction: %w", txErr)
		}

		defer func() {
			if p := recover(); p != nil {
				sqlTx.Rollback()
				panic(p)
			}
		}()

		if txErr := fn(&Tx{tx: sqlTx}); txErr != nil {
			sqlTx.Rollback()
			return txErr
		}

		return sqlTx.Commit()
	})

	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		slog.Warn("slow write transaction", "elapsed", elapsed, "tables", triggerTables)
	}

	if err == nil {
		db.watchers.notify(triggerTables)
	}

	return err
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// normalizeValue converts the driver's raw scan types ([]byte for TEXT in
// particular) into plain strings so callers never deal with byte slices.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
