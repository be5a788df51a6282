package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const chatColumns = `id, type, participant_ids, admin_ids, group_name, group_avatar_url,
	last_message_id, last_message_text, last_message_sender_id, last_message_at,
	sync_status, last_synced_at, created_at, updated_at`

// InsertChat inserts a new chat. A duplicate id yields ErrConstraintViolation.
func (db *DB) InsertChat(ctx context.Context, c *Chat) error {
	if err := db.ready(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	args, err := chatArgs(c)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return mapError(err)
}

// UpsertChat inserts or updates a chat record. When c carries no sync status
// the locally recorded one is preserved, and the last-message pointer only
// moves forward in time.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	if err := db.ready(); err != nil {
		return err
	}
	return upsertChat(ctx, db, c)
}

func upsertChat(ctx context.Context, ex execer, c *Chat) error {
	if err := c.Validate(); err != nil {
		return err
	}
	args, err := chatArgs(c)
	if err != nil {
		return err
	}
	args = append(args, string(c.SyncStatus))
	_, err = ex.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			participant_ids = excluded.participant_ids,
			admin_ids = excluded.admin_ids,
			group_name = excluded.group_name,
			group_avatar_url = excluded.group_avatar_url,
			last_message_id = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_text = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_text ELSE chats.last_message_text END,
			last_message_sender_id = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_sender_id ELSE chats.last_message_sender_id END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			sync_status = CASE WHEN ? = '' THEN chats.sync_status ELSE excluded.sync_status END,
			last_synced_at = MAX(chats.last_synced_at, excluded.last_synced_at),
			created_at = MIN(chats.created_at, excluded.created_at),
			updated_at = excluded.updated_at`, args...)
	return err
}

// UpdateChat overwrites an existing chat. Returns ErrNotFound when absent.
func (db *DB) UpdateChat(ctx context.Context, c *Chat) error {
	if err := db.ready(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	args, err := chatArgs(c)
	if err != nil {
		return err
	}
	// id moves to the WHERE clause.
	args = append(args[1:], args[0])
	res, err := db.ExecContext(ctx, `
		UPDATE chats SET
			type = ?, participant_ids = ?, admin_ids = ?, group_name = ?, group_avatar_url = ?,
			last_message_id = ?, last_message_text = ?, last_message_sender_id = ?, last_message_at = ?,
			sync_status = ?, last_synced_at = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return expectRow(res, "chat", c.ID)
}

// UpdateChatLastMessage moves the denormalized last-message pointer if lm is
// newer than the recorded one.
func (db *DB) UpdateChatLastMessage(ctx context.Context, chatID string, lm LastMessage) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		UPDATE chats SET
			last_message_id = ?, last_message_text = ?, last_message_sender_id = ?,
			last_message_at = ?, updated_at = ?
		WHERE id = ? AND last_message_at <= ?`,
		lm.ID, lm.Text, lm.SenderID, lm.At, time.Now().UnixMilli(), chatID, lm.At)
	return err
}

// SetChatSyncStatus records the local sync state of a chat.
func (db *DB) SetChatSyncStatus(ctx context.Context, chatID string, s SyncStatus) error {
	if err := db.ready(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var syncedAt any = nil
	if s == SyncSynced {
		syncedAt = now
	}
	_, err := db.ExecContext(ctx, `
		UPDATE chats SET sync_status = ?, last_synced_at = COALESCE(?, last_synced_at), updated_at = ?
		WHERE id = ?`, string(s), syncedAt, now, chatID)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY last_message_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil when it does not exist.
func (db *DB) GetChat(ctx context.Context, id string) (*Chat, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	c, err := scanChat(db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount(ctx context.Context) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

func chatArgs(c *Chat) ([]any, error) {
	participants, err := json.Marshal(nonNil(c.ParticipantIDs))
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}
	admins, err := json.Marshal(nonNil(c.AdminIDs))
	if err != nil {
		return nil, fmt.Errorf("encode admins: %w", err)
	}
	now := time.Now().UnixMilli()
	created := c.CreatedAt
	if created == 0 {
		created = now
	}
	updated := c.UpdatedAt
	if updated == 0 {
		updated = now
	}
	status := c.SyncStatus
	if status == "" {
		status = SyncPending
	}
	var lm LastMessage
	if c.LastMessage != nil {
		lm = *c.LastMessage
	}
	return []any{
		c.ID, string(c.Type), string(participants), string(admins), c.GroupName, c.GroupAvatarURL,
		lm.ID, lm.Text, lm.SenderID, lm.At,
		string(status), c.LastSyncedAt, created, updated,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner) (*Chat, error) {
	var (
		c                    Chat
		typ, status          string
		participants, admins string
		lm                   LastMessage
	)
	if err := s.Scan(&c.ID, &typ, &participants, &admins, &c.GroupName, &c.GroupAvatarURL,
		&lm.ID, &lm.Text, &lm.SenderID, &lm.At,
		&status, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = ChatType(typ)
	c.SyncStatus = SyncStatus(status)
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode participants of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(admins), &c.AdminIDs); err != nil {
		return nil, fmt.Errorf("decode admins of %s: %w", c.ID, err)
	}
	if lm.ID != "" {
		c.LastMessage = &lm
	}
	return &c, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
