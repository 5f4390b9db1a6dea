package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by prefix
// ("session.", "message.", "typing.", ...).
const (
	KindStatusChanged    = "session.status_changed"
	KindResync           = "session.resync"
	KindMessageUpserted  = "message.upserted"
	KindMessageFailed    = "message.send_failed"
	KindMessageAcked     = "message.send_ack"
	KindMessageRemoved   = "message.removed"
	KindTypingChanged    = "typing.changed"
	KindPresenceChanged  = "presence.changed"
	KindUnreadChanged    = "unread.changed"
	KindNotificationShow = "notification.shown"
	KindNotificationTone = "notification.sound"
	KindNotificationBuzz = "notification.vibrate"
	KindSettingsChanged  = "notification.settings_changed"
	KindCallIncoming     = "call.incoming"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
