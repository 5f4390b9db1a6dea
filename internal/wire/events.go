// Package wire defines the logical events exchanged with the chat backend and
// their JSON encoding.
package wire

import "time"

// Event names.
const (
	EventAuth      = "auth"
	EventAuthOK    = "auth.ok"
	EventAuthError = "auth.error"

	EventMessageSend   = "message.send"
	EventMessageAck    = "message.ack"
	EventMessageError  = "message.error"
	EventMessageNew    = "message.new"
	EventMessageStatus = "message.statusUpdate"
	EventMessageRead   = "message.read"

	EventTyping = "typing"

	EventPresenceRequest = "presence.request"
	EventPresenceFull    = "presence.full"
	EventPresenceDelta   = "presence.delta"

	EventUnreadRequest = "unread.request"
	EventUnreadCounts  = "unread.counts"

	EventCallIncoming = "call.incoming"
)

// Auth is the handshake payload.
type Auth struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// AuthResult is the payload of auth.ok and auth.error.
type AuthResult struct {
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Attachment references media hosted elsewhere. Only the URL is consumed.
type Attachment struct {
	URL      string `json:"url"`
	Kind     string `json:"kind,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Send is the payload of message.send.
type Send struct {
	ClientID       string       `json:"clientId"`
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Ack is the payload of message.ack.
type Ack struct {
	ClientID  string    `json:"clientId"`
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SendError is the payload of message.error.
type SendError struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

// Message is a full message as delivered by message.new.
type Message struct {
	ID               string       `json:"id"`
	ClientID         string       `json:"clientId,omitempty"`
	ConversationID   string       `json:"conversationId"`
	ConversationName string       `json:"conversationName,omitempty"`
	IsGroup          bool         `json:"isGroup,omitempty"`
	SenderID         string       `json:"senderId"`
	SenderName       string       `json:"senderName,omitempty"`
	Content          string       `json:"content,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Mentions         []string     `json:"mentions,omitempty"`
	Status           string       `json:"status,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// StatusUpdate is the payload of message.statusUpdate.
type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Read is the payload of message.read.
type Read struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// Typing is the payload of typing in both directions. UserID is set by the
// server on inbound events.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceFull is the payload of presence.full.
type PresenceFull struct {
	OnlineIDs []string `json:"onlineIds"`
}

// PresenceDelta is the payload of presence.delta.
type PresenceDelta struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// UnreadCounts is the payload of unread.counts.
type UnreadCounts struct {
	Counts map[string]int `json:"counts"`
}

// CallIncoming is the payload of call.incoming.
type CallIncoming struct {
	CallID     string `json:"callId,omitempty"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName,omitempty"`
	CallType   string `json:"callType"`
}
