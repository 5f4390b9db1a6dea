package engine

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// registerHandlers (re)installs the inbound event handlers. Handlers left
// over from a failed session are removed first.
func (e *Engine) registerHandlers() {
	for _, off := range e.offs {
		off()
	}
	e.offs = e.offs[:0]

	on := func(event string, fn transport.Handler) {
		e.offs = append(e.offs, e.session.On(event, fn))
	}
	on(wire.EventMessageAck, bind(e, e.handleAck))
	on(wire.EventMessageError, bind(e, e.handleSendError))
	on(wire.EventMessageNew, bind(e, e.handleMessage))
	on(wire.EventMessageStatus, bind(e, e.handleStatus))
	on(wire.EventTyping, bind(e, e.handleTyping))
	on(wire.EventPresenceFull, bind(e, e.handlePresenceFull))
	on(wire.EventPresenceDelta, bind(e, e.handlePresenceDelta))
	on(wire.EventUnreadCounts, bind(e, e.handleUnreadCounts))
	on(wire.EventCallIncoming, bind(e, e.handleCall))
}

// bind decodes the payload into T before calling fn. Malformed payloads are
// logged and dropped.
func bind[T any](e *Engine, fn func(T)) transport.Handler {
	return func(env wire.Envelope) {
		var v T
		if err := env.Bind(&v); err != nil {
			e.logger.Warn("dropping malformed event", zap.String("event", env.Event), zap.Error(err))
			return
		}
		fn(v)
	}
}

func (e *Engine) handleAck(a wire.Ack) {
	if _, ok := e.delivery.Ack(a.ClientID, a.MessageID, a.CreatedAt); !ok {
		e.logger.Debug("ack ignored", zap.String("client_id", a.ClientID))
	}
}

func (e *Engine) handleSendError(se wire.SendError) {
	e.delivery.Fail(se.ClientID, se.Reason)
}

func (e *Engine) handleMessage(w wire.Message) {
	m, fresh := e.delivery.ApplyIncoming(w)
	if !fresh || m.Outgoing {
		return
	}
	e.typing.ApplyStop(m.ConversationID, m.SenderID)
	if !e.delivery.Watched(m.ConversationID) {
		e.unread.Increment(m.ConversationID)
	}
	e.notify.Dispatch(notify.Event{
		Kind:             e.messageKind(m),
		ConversationID:   m.ConversationID,
		ConversationName: m.ConversationName,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		Content:          m.Content,
	})
}

func (e *Engine) messageKind(m delivery.Message) notify.EventKind {
	switch {
	case m.MentionsUser(e.self):
		return notify.EventMention
	case m.IsGroup:
		return notify.EventGroupMessage
	default:
		return notify.EventMessage
	}
}

func (e *Engine) handleStatus(u wire.StatusUpdate) {
	st, err := delivery.ParseStatus(u.Status)
	if err != nil {
		e.logger.Warn("unknown message status", zap.String("message_id", u.MessageID), zap.String("status", u.Status))
		return
	}
	e.delivery.ApplyStatusUpdate(u.MessageID, st)
}

func (e *Engine) handleTyping(t wire.Typing) {
	if t.UserID == "" || t.UserID == e.self {
		return
	}
	if t.IsTyping {
		e.typing.ApplyStart(t.ConversationID, t.UserID)
	} else {
		e.typing.ApplyStop(t.ConversationID, t.UserID)
	}
}

func (e *Engine) handlePresenceFull(p wire.PresenceFull) {
	e.presence.ApplyFullSync(p.OnlineIDs)
}

func (e *Engine) handlePresenceDelta(p wire.PresenceDelta) {
	if p.Online {
		e.presence.ApplyOnline(p.UserID)
	} else {
		e.presence.ApplyOffline(p.UserID)
	}
}

func (e *Engine) handleUnreadCounts(u wire.UnreadCounts) {
	e.unread.Replace(u.Counts)
}

func (e *Engine) handleCall(c wire.CallIncoming) {
	e.bus.Publish(bus.NewEvent(bus.KindCallIncoming, Call{
		CallID:     c.CallID,
		CallerID:   c.CallerID,
		CallerName: c.CallerName,
		CallType:   c.CallType,
	}))
	e.notify.Dispatch(notify.Event{
		Kind:       notify.EventCall,
		SenderID:   c.CallerID,
		SenderName: c.CallerName,
		CallID:     c.CallID,
		CallType:   c.CallType,
	})
}
