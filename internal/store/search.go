package store

import "context"

// SearchMessages performs a full-text search on message text, newest first.
func (db *DB) SearchMessages(ctx context.Context, query string, chatID string, limit int) ([]SearchResult, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.chat_id, m.sender_id, m.text, m.status, m.created_at,
		       snippet(messages_fts, '<<', '>>', '...', -1, 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			r      SearchResult
			status string
		)
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ChatID, &r.Message.SenderID, &r.Message.Text,
			&status, &r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		r.Message.Status = MessageStatus(status)
		results = append(results, r)
	}
	return results, rows.Err()
}
