package store

import (
	"database/sql"
	"errors"
	"time"
)

// TouchConversation records activity on a conversation, creating it if
// needed. Name and group flag are only overwritten when provided; the
// preview only moves forward in time.
func (db *DB) TouchConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, is_group, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			is_group = MAX(conversations.is_group, excluded.is_group),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.IsGroup, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// GetConversation returns a conversation, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, name, is_group, unread_count, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations, most recently active first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, COALESCE(NULLIF(name, ''), id), is_group, unread_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetUnread sets the unread counter of one conversation.
func (db *DB) SetUnread(conversationID string, n int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, unread_count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET unread_count = excluded.unread_count, updated_at = excluded.updated_at`,
		conversationID, n, now)
	return err
}

// ReplaceUnread makes counts the complete set of unread counters: listed
// conversations get their count, every other one is reset to zero.
func (db *DB) ReplaceUnread(counts map[string]int) error {
	return db.inTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE unread_count != 0`, now); err != nil {
			return err
		}
		for id, n := range counts {
			if _, err := tx.Exec(`
				INSERT INTO conversations (id, unread_count, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET unread_count = excluded.unread_count, updated_at = excluded.updated_at`,
				id, n, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnreadCounts returns every non-zero unread counter.
func (db *DB) UnreadCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT id, unread_count FROM conversations WHERE unread_count > 0`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
