package store

import (
	"database/sql"
	"time"
)

// Conflict represents a row from the sync_conflicts table: a pushed row the
// server rejected. LocalData is the local row at rejection time and
// RemoteData the server's rejection reason. Resolution is always
// "remote_wins" (spec.md's Non-goals rule out CRDT merge), recorded for
// visibility rather than reconciliation.
type Conflict struct {
	ID         string
	TableName  string
	RowID      string
	LocalData  string
	RemoteData string
	Resolution string
	DetectedAt time.Time
}

// RecordConflict logs a remote-wins conflict. Called by the push engine
// after committing a batch in which the server rejected a row with a
// reason.
func (db *DB) RecordConflict(tableName, rowID, localData, remoteData string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO sync_conflicts (id, table_name, row_id, local_data, remote_data, resolution)
			VALUES (?, ?, ?, ?, ?, 'remote_wins')
		`, NewID(), tableName, rowID, localData, remoteData)
		return err
	})
}

// GetRecentConflicts returns recent sync conflicts, most recent first. If
// since is non-nil, only conflicts detected after that time are included.
func (db *DB) GetRecentConflicts(limit int, since *time.Time) ([]Conflict, error) {
	var rows *sql.Rows
	var err error

	if since != nil {
		rows, err = db.conn.Query(`
			SELECT id, table_name, row_id, local_data, remote_data, resolution, detected_at
			FROM sync_conflicts
			WHERE detected_at >= ?
			ORDER BY detected_at DESC
			LIMIT ?
		`, since.Format("2006-01-02 15:04:05"), limit)
	} else {
		rows, err = db.conn.Query(`
			SELECT id, table_name, row_id, local_data, remote_data, resolution, detected_at
			FROM sync_conflicts
			ORDER BY detected_at DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		var ts string
		if err := rows.Scan(&c.ID, &c.TableName, &c.RowID, &c.LocalData, &c.RemoteData, &c.Resolution, &ts); err != nil {
			return nil, err
		}
		parsed, parseErr := time.Parse("2006-01-02 15:04:05", ts)
		if parseErr != nil {
			return nil, parseErr
		}
		c.DetectedAt = parsed
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
