package store

import (
	"database/sql"
	"strings"
	"time"
)

// UpsertMessage journals m. When both ids are set, a row stored under the
// provisional id is re-keyed to the server id first, so a send keeps one row
// across its acknowledgment. Status only moves to a higher rank.
func (db *DB) UpsertMessage(m *Message) error {
	key := m.MessageID
	if key == "" {
		key = m.LocalID
	}
	m.Key = key

	return db.inTx(func(tx *sql.Tx) error {
		if m.LocalID != "" && m.MessageID != "" {
			if _, err := tx.Exec(`UPDATE OR IGNORE messages SET key = ?, message_id = ? WHERE key = ?`,
				m.MessageID, m.MessageID, m.LocalID); err != nil {
				return err
			}
			// The server id may already exist (echo journaled first).
			if _, err := tx.Exec(`DELETE FROM messages WHERE key = ?`, m.LocalID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`
			INSERT INTO messages (key, conversation_id, message_id, local_id, sender_id, sender_name, body,
				attachments, outgoing, status, status_rank, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				message_id = excluded.message_id,
				local_id = CASE WHEN excluded.local_id != '' THEN excluded.local_id ELSE messages.local_id END,
				sender_name = excluded.sender_name,
				body = excluded.body,
				attachments = excluded.attachments,
				status = CASE WHEN excluded.status_rank > messages.status_rank THEN excluded.status ELSE messages.status END,
				error = CASE WHEN excluded.status_rank > messages.status_rank THEN excluded.error ELSE messages.error END,
				status_rank = MAX(messages.status_rank, excluded.status_rank),
				created_at = excluded.created_at,
				updated_at = excluded.updated_at`,
			key, m.ConversationID, m.MessageID, m.LocalID, m.SenderID, m.SenderName, m.Body,
			m.Attachments, m.Outgoing, m.Status, m.StatusRank, m.Error, m.CreatedAt, time.Now().UnixMilli())
		return err
	})
}

// DeleteMessage removes the row stored under key.
func (db *DB) DeleteMessage(key string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE key = ?`, key)
	return err
}

const messageColumns = `key, conversation_id, message_id, local_id, sender_id, sender_name, body,
	attachments, outgoing, status, status_rank, error, created_at`

func scanMessage(s interface{ Scan(...any) error }, m *Message) error {
	return s.Scan(&m.Key, &m.ConversationID, &m.MessageID, &m.LocalID, &m.SenderID, &m.SenderName, &m.Body,
		&m.Attachments, &m.Outgoing, &m.Status, &m.StatusRank, &m.Error, &m.CreatedAt)
}

// GetMessage returns the message stored under key, or nil.
func (db *DB) GetMessage(key string) (*Message, error) {
	var m Message
	err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE key = ?`, key), &m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns up to limit messages of a conversation created before
// beforeMs, newest first.
func (db *DB) ListMessages(conversationID string, beforeMs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// SearchMessages returns messages whose body contains query, newest first,
// optionally limited to one conversation.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
