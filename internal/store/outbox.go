package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpdateSendState writes the local-send record of a message and reports
// whether its status changed. The status is guarded the same way as
// UpdateMessageStatus, and a row already settled as synced keeps its record
// when st is not synced: a late failure cannot undo a send the remote store
// confirmed.
func (db *DB) UpdateSendState(ctx context.Context, id string, st SendState) (bool, error) {
	if err := db.ready(); err != nil {
		return false, err
	}
	if !st.Status.Valid() {
		return false, fmt.Errorf("message %s: invalid status %q", id, st.Status)
	}
	changed := false
	err := db.Tx(ctx, func(tx *sql.Tx) error {
		var (
			prev   string
			synced int
		)
		err := tx.QueryRowContext(ctx, `SELECT status, synced_to_remote FROM messages WHERE id = ?`, id).Scan(&prev, &synced)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if synced != 0 && !st.SyncedToRemote {
			return nil
		}
		next := MessageStatus(prev)
		if st.Status.Rank() >= next.Rank() {
			next = st.Status
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET
				status = ?, retry_count = ?, last_retry_at = ?,
				synced_to_remote = MAX(synced_to_remote, ?)
			WHERE id = ?`,
			string(next), st.RetryCount, st.LastRetryAt, boolInt(st.SyncedToRemote), id); err != nil {
			return err
		}
		changed = next != MessageStatus(prev)
		return nil
	})
	return changed, err
}

// PendingSends returns locally queued messages that have not reached the
// remote store yet, oldest queued first.
func (db *DB) PendingSends(ctx context.Context) ([]Message, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE local_id IS NOT NULL
			AND synced_to_remote = 0
			AND status IN ('sending', 'failed')
		ORDER BY queued_at, id`)
}

// PendingSendCount returns the number of messages still waiting for the
// remote store.
func (db *DB) PendingSendCount(ctx context.Context) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	var count int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE local_id IS NOT NULL AND synced_to_remote = 0 AND status IN ('sending', 'failed')`).Scan(&count)
	return count, err
}
