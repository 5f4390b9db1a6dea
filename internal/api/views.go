package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Message is the control-plane view of a message.
type Message struct {
	Key            string    `json:"key"`
	LocalID        string    `json:"local_id,omitempty"`
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        string    `json:"content,omitempty"`
	Attachments    []string  `json:"attachments,omitempty"`
	Status         string    `json:"status"`
	Outgoing       bool      `json:"outgoing,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func messageView(m delivery.Message) Message {
	v := Message{
		Key:            m.Key(),
		LocalID:        m.LocalID,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Status:         m.Status.String(),
		Outgoing:       m.Outgoing,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
	for _, a := range m.Attachments {
		v.Attachments = append(v.Attachments, a.URL)
	}
	return v
}

func storedMessageView(m store.Message) Message {
	v := Message{
		Key:            m.Key,
		LocalID:        m.LocalID,
		ID:             m.MessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Body,
		Status:         m.Status,
		Outgoing:       m.Outgoing,
		Error:          m.Error,
		CreatedAt:      time.UnixMilli(m.CreatedAt),
	}
	var atts []wire.Attachment
	if m.Attachments != "" && json.Unmarshal([]byte(m.Attachments), &atts) == nil {
		for _, a := range atts {
			v.Attachments = append(v.Attachments, a.URL)
		}
	}
	return v
}

// Messages wraps a message list.
type Messages struct {
	Messages []Message `json:"messages"`
}

// Conversation is the control-plane view of a conversation.
type Conversation struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsGroup       bool   `json:"is_group,omitempty"`
	Unread        int    `json:"unread"`
	LastMessageAt int64  `json:"last_message_at,omitempty"`
	Preview       string `json:"preview,omitempty"`
}

// Conversations wraps a conversation list.
type Conversations struct {
	Conversations []Conversation `json:"conversations"`
}

// Status describes the daemon and its session.
type Status struct {
	Profile               string         `json:"profile"`
	Identity              string         `json:"identity,omitempty"`
	State                 string         `json:"state"`
	RetryCount            int            `json:"retry_count"`
	LastError             string         `json:"last_error,omitempty"`
	UptimeMs              int64          `json:"uptime_ms"`
	Online                []string       `json:"online"`
	PresenceAuthoritative bool           `json:"presence_authoritative"`
	Unread                map[string]int `json:"unread"`
	Notifications         int            `json:"notifications"`
	LastResync            string         `json:"last_resync,omitempty"`
}

// Marked lists the ids a MarkRead advanced.
type Marked struct {
	MessageIDs []string `json:"message_ids"`
}

// SendRequest asks for a message to be sent.
type SendRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
}

// TypingRequest feeds local input state.
type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	HasContent     bool   `json:"has_content"`
}

// ListRequest pages through a conversation, newest last. Before is a unix
// millisecond bound used when reading the journal.
type ListRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
	Before         int64  `json:"before,omitempty"`
}

// SearchRequest searches journaled message bodies.
type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// PageRequest pages through conversations.
type PageRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Event is one bus event forwarded to a watcher.
type Event struct {
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Notification is the view of a raised alert.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
	Count int    `json:"count"`
	Kind  string `json:"kind"`
}

func eventView(evt bus.Event) Event {
	v := Event{Kind: evt.Kind, At: evt.Timestamp}
	switch p := evt.Payload.(type) {
	case delivery.Message:
		v.Payload = messageView(p)
	case notify.Notification:
		v.Payload = Notification{Title: p.Title, Body: p.Body, Tag: p.Tag, Count: p.Count, Kind: p.Kind.String()}
	default:
		v.Payload = p
	}
	return v
}
