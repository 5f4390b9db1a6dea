package delivery

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/wire"
)

// Message is the client-side record of one logical message. Outgoing
// messages carry a LocalID from creation and gain an ID once the server
// acknowledges them; incoming messages only have an ID.
type Message struct {
	LocalID          string
	ID               string
	ConversationID   string
	ConversationName string
	IsGroup          bool
	SenderID         string
	SenderName       string
	Content          string
	Attachments      []wire.Attachment
	Mentions         []string
	Status           Status
	Outgoing         bool
	Error            string
	CreatedAt        time.Time
}

// Key returns the identifier callers should use for the message: the server
// id once known, the provisional one before.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Provisional reports whether the message still awaits its server id.
func (m Message) Provisional() bool {
	return m.ID == ""
}

func (m *Message) clone() Message {
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	c.Mentions = slices.Clone(m.Mentions)
	return c
}

// FromWire converts an inbound wire message. Incoming messages are at least
// Delivered from the receiver's point of view.
func FromWire(w wire.Message, self string) Message {
	m := Message{
		ID:               w.ID,
		ConversationID:   w.ConversationID,
		ConversationName: w.ConversationName,
		IsGroup:          w.IsGroup,
		SenderID:         w.SenderID,
		SenderName:       w.SenderName,
		Content:          w.Content,
		Attachments:      slices.Clone(w.Attachments),
		Mentions:         slices.Clone(w.Mentions),
		Outgoing:         self != "" && w.SenderID == self,
		CreatedAt:        w.CreatedAt,
	}
	st, err := ParseStatus(w.Status)
	switch {
	case err != nil || st == StatusFailed || st == StatusSending:
		st = StatusSent
		if !m.Outgoing {
			st = StatusDelivered
		}
	case !m.Outgoing && st < StatusDelivered:
		st = StatusDelivered
	}
	m.Status = st
	return m
}

// MentionsUser reports whether userID is mentioned.
func (m Message) MentionsUser(userID string) bool {
	return userID != "" && slices.Contains(m.Mentions, userID)
}
