package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetCheckpoint records a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint returns a checkpoint value and when it was written. found is
// false for a key never written.
func (db *DB) Checkpoint(key string) (value string, at time.Time, found bool, err error) {
	var ms int64
	err = db.QueryRow(`SELECT value, updated_at FROM sync_state WHERE key = ?`, key).Scan(&value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return value, time.UnixMilli(ms), true, nil
}
