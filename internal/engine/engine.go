// Package engine is the caller-facing façade of the sync core. It owns the
// transport session and fans inbound events out to presence, typing,
// delivery, unread bookkeeping and notifications, all on one event loop.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/unread"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ErrClosed is returned once the event loop has stopped.
var ErrClosed = errors.New("engine closed")

// History loads previously journaled messages for a conversation.
type History interface {
	History(conversationID string, limit int) ([]delivery.Message, error)
}

// Options groups the tunables of every component.
type Options struct {
	Transport      transport.Options
	Typing         typing.Options
	Delivery       delivery.Options
	CollapseWindow time.Duration
	HistoryLimit   int
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		Transport:      transport.DefaultOptions(),
		Typing:         typing.DefaultOptions(),
		Delivery:       delivery.DefaultOptions(),
		CollapseWindow: 30 * time.Second,
		HistoryLimit:   100,
	}
}

// Deps are the collaborators the engine is built from.
type Deps struct {
	Loop     *loop.Loop
	Dialer   transport.Dialer
	Tokens   auth.TokenSource
	Bus      *bus.Bus
	Alerter  notify.Alerter
	Settings notify.SettingsStore
	History  History
	Logger   *zap.Logger
}

// Resync is the payload of session.resync events.
type Resync struct {
	Identity string
	Resumed  bool
}

// Call is the payload of call.incoming events.
type Call struct {
	CallID     string
	CallerID   string
	CallerName string
	CallType   string
}

// Engine wires the components together. Its exported methods are safe from
// any goroutine: mutations are run on the loop, snapshots read directly.
type Engine struct {
	loop    *loop.Loop
	bus     *bus.Bus
	logger  *zap.Logger
	history History
	opts    Options

	machine  *status.Machine
	session  *transport.Session
	presence *presence.Tracker
	typing   *typing.Coordinator
	delivery *delivery.Pipeline
	notify   *notify.Dispatcher
	unread   *unread.Counter

	// loop-confined
	self string
	offs []func()
}

// New builds an engine and loads the persisted notification settings.
func New(d Deps, opts Options) (*Engine, error) {
	if d.Loop == nil || d.Dialer == nil || d.Tokens == nil {
		return nil, errors.New("engine: loop, dialer and token source are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alerter := d.Alerter
	if alerter == nil {
		alerter = notify.BusAlerter{Bus: d.Bus}
	}

	e := &Engine{
		loop:    d.Loop,
		bus:     d.Bus,
		logger:  logger,
		history: d.History,
		opts:    opts,
	}
	e.machine = status.NewMachine(d.Bus)
	e.session = transport.NewSession(d.Loop, d.Dialer, d.Tokens, e.machine, opts.Transport, logger)
	e.presence = presence.NewTracker(d.Bus)
	e.typing = typing.NewCoordinator(d.Loop, e.sendTyping, opts.Typing, d.Bus, logger)
	e.delivery = delivery.NewPipeline(d.Loop, e.session, opts.Delivery, d.Bus, logger)
	e.notify = notify.NewDispatcher(alerter, d.Settings, opts.CollapseWindow, d.Bus, logger)
	e.unread = unread.NewCounter(d.Bus)

	if err := e.notify.Load(); err != nil {
		return nil, err
	}
	e.session.SetHooks(transport.Hooks{
		OnConnected:    e.onConnected,
		OnLinkLost:     e.onLinkLost,
		OnFailed:       e.onFailed,
		OnDisconnected: e.onDisconnected,
	})
	return e, nil
}

// SeedUnread restores unread counters, typically from the journal at
// startup. The server's counts replace them on the next resync.
func (e *Engine) SeedUnread(counts map[string]int) {
	e.unread.Replace(counts)
}

func (e *Engine) do(fn func()) error {
	if !e.loop.Do(fn) {
		return ErrClosed
	}
	return nil
}

// Connect starts a session as identity. It returns once the attempt is
// under way; progress is reported through State and the bus.
func (e *Engine) Connect(identity string) error {
	if identity == "" {
		return errors.New("identity required")
	}
	return e.do(func() {
		if e.session.State() == status.Disconnected || e.session.State() == status.Failed {
			e.self = identity
			e.delivery.SetSelf(identity)
			e.registerHandlers()
		}
		e.session.Connect(identity)
	})
}

// Disconnect tears the session down and cancels every pending timer.
func (e *Engine) Disconnect() error {
	return e.do(e.session.Disconnect)
}

// Close disconnects. The loop itself belongs to the caller.
func (e *Engine) Close() error {
	if err := e.Disconnect(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// SendMessage creates an optimistic message and submits it.
func (e *Engine) SendMessage(conversationID, content string, attachments []wire.Attachment) (delivery.Message, error) {
	var (
		m   delivery.Message
		err error
	)
	if doErr := e.do(func() {
		e.typing.StopLocal(conversationID)
		m, err = e.delivery.SendMessage(conversationID, content, attachments)
	}); doErr != nil {
		return delivery.Message{}, doErr
	}
	return m, err
}

// Retry resubmits a failed message.
func (e *Engine) Retry(localID string) (delivery.Message, error) {
	var (
		m   delivery.Message
		err error
	)
	if doErr := e.do(func() { m, err = e.delivery.Retry(localID) }); doErr != nil {
		return delivery.Message{}, doErr
	}
	return m, err
}

// MarkRead marks a conversation read, sends the receipt and clears its
// unread counter and collapsed notification.
func (e *Engine) MarkRead(conversationID string) ([]string, error) {
	var ids []string
	err := e.do(func() {
		ids = e.delivery.MarkRead(conversationID)
		e.unread.Clear(conversationID)
		e.notify.Dismiss(conversationID)
	})
	return ids, err
}

// SetTyping feeds the local input state of a conversation.
func (e *Engine) SetTyping(conversationID string, hasContent bool) error {
	return e.do(func() { e.typing.OnTextChanged(conversationID, hasContent) })
}

// Watch starts observing a conversation, seeding it with journaled history.
func (e *Engine) Watch(conversationID string) error {
	var history []delivery.Message
	if e.history != nil {
		h, err := e.history.History(conversationID, e.opts.HistoryLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		history = h
	}
	return e.do(func() { e.delivery.Watch(conversationID, history) })
}

// Unwatch stops observing a conversation.
func (e *Engine) Unwatch(conversationID string) error {
	return e.do(func() { e.delivery.Unwatch(conversationID) })
}

// SetFocus records whether the UI has input focus.
func (e *Engine) SetFocus(focused bool) {
	e.notify.SetFocus(focused)
}

// UpdateSettings persists new notification settings.
func (e *Engine) UpdateSettings(s notify.Settings) error {
	return e.notify.UpdateSettings(s)
}

// SetPermission records the notification permission.
func (e *Engine) SetPermission(p notify.Permission) error {
	return e.notify.SetPermission(p)
}

// Settings returns the notification settings.
func (e *Engine) Settings() notify.Settings { return e.notify.Settings() }

// State returns the connection state.
func (e *Engine) State() status.State { return e.session.State() }

// Info returns the session snapshot.
func (e *Engine) Info() transport.Info { return e.session.Info() }

// Messages returns a conversation's messages.
func (e *Engine) Messages(conversationID string) []delivery.Message {
	return e.delivery.Messages(conversationID)
}

// Message returns one message by server or local id.
func (e *Engine) Message(key string) (delivery.Message, bool) { return e.delivery.Get(key) }

// TypingPeers returns who is typing in a conversation.
func (e *Engine) TypingPeers(conversationID string) []string {
	return e.typing.Peers(conversationID)
}

// Online returns the online peer ids and whether the set is authoritative.
func (e *Engine) Online() ([]string, bool) {
	return e.presence.Online(), e.presence.Authoritative()
}

// Unread returns every non-zero unread counter.
func (e *Engine) Unread() map[string]int { return e.unread.All() }

// NotificationCount returns how many notifications were raised.
func (e *Engine) NotificationCount() int { return e.notify.Count() }

// ClearNotifications resets the notification counter.
func (e *Engine) ClearNotifications() { e.notify.ClearCount() }

// Bus returns the bus state changes are published on.
func (e *Engine) Bus() *bus.Bus { return e.bus }

func (e *Engine) sendTyping(conversationID string, isTyping bool) {
	_ = e.session.Send(wire.EventTyping, wire.Typing{
		ConversationID: conversationID,
		UserID:         e.self,
		IsTyping:       isTyping,
	})
}

func (e *Engine) onConnected(identity string, resumed bool) {
	e.resync(identity, resumed)
}

// resync repairs whatever was missed while the link was down. It runs on
// every successful handshake.
func (e *Engine) resync(identity string, resumed bool) {
	if err := e.session.Send(wire.EventPresenceRequest, struct{}{}); err != nil {
		e.logger.Warn("presence request failed", zap.Error(err))
	}
	if err := e.session.Send(wire.EventUnreadRequest, struct{}{}); err != nil {
		e.logger.Warn("unread request failed", zap.Error(err))
	}
	e.delivery.FlushReceipts()
	e.logger.Info("resync requested", zap.String("identity", identity), zap.Bool("resumed", resumed))
	e.bus.Publish(bus.NewEvent(bus.KindResync, Resync{Identity: identity, Resumed: resumed}))
}

func (e *Engine) onLinkLost(error) {
	e.presence.MarkStale()
	e.typing.ClearInbound()
}

func (e *Engine) onFailed(err error) {
	e.presence.MarkStale()
	e.typing.Reset()
	if n := e.delivery.AbortPending("connection failed"); n > 0 {
		e.logger.Warn("pending sends failed with the connection", zap.Int("count", n), zap.Error(err))
	}
}

func (e *Engine) onDisconnected() {
	for _, off := range e.offs {
		off()
	}
	e.offs = nil
	e.typing.Reset()
	e.delivery.AbortPending("disconnected")
	e.delivery.Reset()
	e.presence.Reset()
}
