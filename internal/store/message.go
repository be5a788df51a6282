package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const messageColumns = `id, chat_id, sender_id, text, media_url, media_mime, local_media_path,
	reply_to_id, status, created_at, edited, edited_at, delivered_to, read_by,
	local_id, queued_at, retry_count, last_retry_at, synced_to_remote`

// rankSQL mirrors MessageStatus.Rank for use inside statements.
func rankSQL(expr string) string {
	return fmt.Sprintf(`(CASE %s WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 WHEN 'sent' THEN 1 ELSE 0 END)`, expr)
}

// guardedStatus evaluates to the new status only when it does not regress
// the stored one. It consumes two bind parameters, both the new status.
var guardedStatus = fmt.Sprintf(`CASE WHEN %s >= %s THEN ? ELSE messages.status END`,
	rankSQL("?"), rankSQL("messages.status"))

// InsertMessage inserts a message. A duplicate id or local id yields
// ErrConstraintViolation; callers convert the write into UpdateMessage.
func (db *DB) InsertMessage(ctx context.Context, m *Message) error {
	if err := db.ready(); err != nil {
		return err
	}
	return insertMessage(ctx, db, m)
}

func insertMessage(ctx context.Context, ex execer, m *Message) error {
	if !m.Status.Valid() {
		return fmt.Errorf("message %s: invalid status %q", m.ID, m.Status)
	}
	delivered, read, err := encodeSets(m)
	if err != nil {
		return err
	}
	var media Media
	if m.Media != nil {
		media = *m.Media
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.Text, media.URL, media.MIME, media.LocalPath,
		m.ReplyToID, string(m.Status), m.CreatedAt, boolInt(m.Edited), m.EditedAt, delivered, read,
		nullString(m.LocalID), m.QueuedAt, m.RetryCount, m.LastRetryAt, boolInt(m.SyncedToRemote))
	return mapError(err)
}

// UpdateMessage overwrites the content fields of an existing message with
// those of m. The status never regresses, a cached local media path is kept
// when m has none, and the local-send record is left untouched.
func (db *DB) UpdateMessage(ctx context.Context, m *Message) error {
	if err := db.ready(); err != nil {
		return err
	}
	return updateMessage(ctx, db, m)
}

func updateMessage(ctx context.Context, ex execer, m *Message) error {
	if !m.Status.Valid() {
		return fmt.Errorf("message %s: invalid status %q", m.ID, m.Status)
	}
	delivered, read, err := encodeSets(m)
	if err != nil {
		return err
	}
	var media Media
	if m.Media != nil {
		media = *m.Media
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE messages SET
			chat_id = ?, sender_id = ?, text = ?, media_url = ?, media_mime = ?,
			local_media_path = CASE WHEN ? = '' THEN local_media_path ELSE ? END,
			reply_to_id = ?, status = `+guardedStatus+`, created_at = ?,
			edited = ?, edited_at = ?, delivered_to = ?, read_by = ?
		WHERE id = ?`,
		m.ChatID, m.SenderID, m.Text, media.URL, media.MIME,
		media.LocalPath, media.LocalPath,
		m.ReplyToID, string(m.Status), string(m.Status), m.CreatedAt,
		boolInt(m.Edited), m.EditedAt, delivered, read,
		m.ID)
	if err != nil {
		return err
	}
	return expectRow(res, "message", m.ID)
}

// SaveMessage writes m, converting a duplicate-id insert into an update.
// Racing writers of the same remote message therefore both succeed and the
// final row matches the last write.
func (db *DB) SaveMessage(ctx context.Context, m *Message) error {
	err := db.InsertMessage(ctx, m)
	if errors.Is(err, ErrConstraintViolation) {
		return db.UpdateMessage(ctx, m)
	}
	return err
}

// SaveMessages writes a batch of messages in one transaction with the same
// insert-then-update fallback as SaveMessage. Nothing is written if any row
// fails.
func (db *DB) SaveMessages(ctx context.Context, msgs []*Message) error {
	return db.Tx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if err := saveInTx(ctx, tx, m); err != nil {
				return fmt.Errorf("save message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func saveInTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	// A savepoint keeps the failed insert from aborting the outer transaction.
	if _, err := tx.ExecContext(ctx, `SAVEPOINT save_message`); err != nil {
		return err
	}
	err := insertMessage(ctx, tx, m)
	if errors.Is(err, ErrConstraintViolation) {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO save_message`); rbErr != nil {
			return rbErr
		}
		err = updateMessage(ctx, tx, m)
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `RELEASE save_message`)
	return err
}

// UpdateMessageStatus moves a message to status s unless that would regress
// it. Reports whether the row changed.
func (db *DB) UpdateMessageStatus(ctx context.Context, id string, s MessageStatus) (bool, error) {
	if err := db.ready(); err != nil {
		return false, err
	}
	if !s.Valid() {
		return false, fmt.Errorf("message %s: invalid status %q", id, s)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE id = ? AND status != ? AND `+rankSQL("?")+` >= `+rankSQL("status"),
		string(s), id, string(s), string(s))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetLocalMediaPath records where the media cache stored a message's attachment.
func (db *DB) SetLocalMediaPath(ctx context.Context, id, path string) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `UPDATE messages SET local_media_path = ? WHERE id = ?`, path, id)
	return err
}

// GetMessage returns a message by id, or nil when it does not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MessagesByChat returns the most recent limit messages of a chat in
// ascending createdAt order.
func (db *DB) MessagesByChat(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	msgs, err := db.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// MessagesAfter returns the messages of a chat created strictly after ts,
// ascending.
func (db *DB) MessagesAfter(ctx context.Context, chatID string, ts int64) ([]Message, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND created_at > ?
		ORDER BY created_at, id`, chatID, ts)
}

// MessagesByStatus returns every message in one of the given statuses,
// oldest first.
func (db *DB) MessagesByStatus(ctx context.Context, statuses ...MessageStatus) ([]Message, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at, id`, args...)
}

// LatestMessageAt returns the createdAt of the newest stored message of a
// chat, or 0 when it has none.
func (db *DB) LatestMessageAt(ctx context.Context, chatID string) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	var ts sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM messages WHERE chat_id = ?`, chatID).Scan(&ts)
	return ts.Int64, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m               Message
		media           Media
		status          string
		edited, synced  int
		delivered, read string
		localID         sql.NullString
	)
	if err := s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Text, &media.URL, &media.MIME, &media.LocalPath,
		&m.ReplyToID, &status, &m.CreatedAt, &edited, &m.EditedAt, &delivered, &read,
		&localID, &m.QueuedAt, &m.RetryCount, &m.LastRetryAt, &synced); err != nil {
		return nil, err
	}
	m.Status = MessageStatus(status)
	m.Edited = edited != 0
	m.SyncedToRemote = synced != 0
	m.LocalID = localID.String
	if media.URL != "" {
		m.Media = &media
	}
	if err := json.Unmarshal([]byte(delivered), &m.DeliveredTo); err != nil {
		return nil, fmt.Errorf("decode delivered_to of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(read), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("decode read_by of %s: %w", m.ID, err)
	}
	if len(m.DeliveredTo) == 0 {
		m.DeliveredTo = nil
	}
	if len(m.ReadBy) == 0 {
		m.ReadBy = nil
	}
	return &m, nil
}

func encodeSets(m *Message) (string, string, error) {
	delivered, err := json.Marshal(nonNil(m.DeliveredTo))
	if err != nil {
		return "", "", fmt.Errorf("encode delivered_to: %w", err)
	}
	read, err := json.Marshal(nonNil(m.ReadBy))
	if err != nil {
		return "", "", fmt.Errorf("encode read_by: %w", err)
	}
	return string(delivered), string(read), nil
}
