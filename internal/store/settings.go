package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/notify"
)

const notificationSettingsKey = "notifications"

// GetJSON decodes the setting stored under key into v. found is false when
// the key has never been written.
func (db *DB) GetJSON(key string, v any) (found bool, err error) {
	var raw string
	err = db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v under key.
func (db *DB) PutJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UnixMilli())
	return err
}

// LoadSettings implements notify.SettingsStore.
func (db *DB) LoadSettings() (notify.Settings, bool, error) {
	s := notify.DefaultSettings()
	found, err := db.GetJSON(notificationSettingsKey, &s)
	if err != nil {
		return notify.DefaultSettings(), false, err
	}
	return s, found, nil
}

// SaveSettings implements notify.SettingsStore.
func (db *DB) SaveSettings(s notify.Settings) error {
	return db.PutJSON(notificationSettingsKey, s)
}
