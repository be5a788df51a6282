package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetSyncState stores a sync checkpoint value.
func (db *DB) SetSyncState(ctx context.Context, key, value string) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetSyncState retrieves a sync checkpoint value. Missing keys yield "".
func (db *DB) GetSyncState(ctx context.Context, key string) (string, error) {
	if err := db.ready(); err != nil {
		return "", err
	}
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
