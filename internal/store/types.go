package store

// Conversation is the locally kept summary of a conversation.
type Conversation struct {
	ID                 string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is one journaled message. Key is the server id once known and the
// provisional local id before.
type Message struct {
	Key            string
	ConversationID string
	MessageID      string
	LocalID        string
	SenderID       string
	SenderName     string
	Body           string
	Attachments    string // JSON-encoded attachment list
	Outgoing       bool
	Status         string
	StatusRank     int
	Error          string
	CreatedAt      int64
}
