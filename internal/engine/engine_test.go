package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport/transporttest"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

// alerts records alerts raised on the loop goroutine.
type alerts struct {
	mu    sync.Mutex
	shown []notify.Notification
}

func (a *alerts) Show(n notify.Notification) error {
	a.mu.Lock()
	a.shown = append(a.shown, n)
	a.mu.Unlock()
	return nil
}

func (a *alerts) PlaySound(notify.EventKind) error { return nil }
func (a *alerts) Vibrate(notify.EventKind) error   { return nil }

func (a *alerts) all() []notify.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notify.Notification(nil), a.shown...)
}

type settingsStore struct{ s notify.Settings }

func (m *settingsStore) LoadSettings() (notify.Settings, bool, error) { return m.s, true, nil }
func (m *settingsStore) SaveSettings(s notify.Settings) error          { m.s = s; return nil }

type staticHistory map[string][]delivery.Message

func (h staticHistory) History(conversationID string, _ int) ([]delivery.Message, error) {
	return h[conversationID], nil
}

type harness struct {
	loop   *loop.Loop
	clock  *loop.ManualClock
	dialer *transporttest.Dialer
	bus    *bus.Bus
	alerts *alerts
	engine *Engine
}

func newHarness(t *testing.T, history History) *harness {
	t.Helper()
	clock := loop.NewManualClock(time.Unix(1_700_000_000, 0))
	l := loop.New(clock, nil)
	l.Start()
	t.Cleanup(l.Stop)

	s := notify.DefaultSettings()
	s.Permission = notify.PermissionGranted
	h := &harness{
		loop:   l,
		clock:  clock,
		dialer: &transporttest.Dialer{},
		bus:    bus.New(),
		alerts: &alerts{},
	}
	opts := DefaultOptions()
	opts.Transport.HandshakeTimeout = time.Second
	e, err := New(Deps{
		Loop:     l,
		Dialer:   h.dialer,
		Tokens:   auth.StaticToken("tok"),
		Bus:      h.bus,
		Alerter:  h.alerts,
		Settings: &settingsStore{s: s},
		History:  history,
	}, opts)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) waitState(t *testing.T, want status.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.engine.State() == want }, wait, tick, "state never became %s", want)
}

// waitRetry waits until the n-th reconnect is scheduled. The timer is armed
// in the same loop task that bumps the counter, so one Sync after seeing
// the count guarantees it is registered before the clock moves.
func (h *harness) waitRetry(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.engine.State() == status.Reconnecting && h.engine.Info().RetryCount == n
	}, wait, tick, "retry %d never scheduled", n)
	h.loop.Sync()
}

// connect brings the engine up as alice and consumes the resync requests.
func (h *harness) connect(t *testing.T) *transporttest.Link {
	t.Helper()
	require.NoError(t, h.engine.Connect("alice"))
	h.waitState(t, status.Connected)
	link := h.dialer.Last()
	require.NotNil(t, link)
	_, ok := link.Expect(wire.EventPresenceRequest, wait)
	require.True(t, ok, "presence.request not sent")
	_, ok = link.Expect(wire.EventUnreadRequest, wait)
	require.True(t, ok, "unread.request not sent")
	return link
}

func TestConnectResyncs(t *testing.T) {
	h := newHarness(t, nil)
	ch, unsub := h.bus.Subscribe(bus.KindResync, 4)
	defer unsub()

	h.connect(t)

	select {
	case evt := <-ch:
		require.Equal(t, Resync{Identity: "alice", Resumed: false}, evt.Payload)
	case <-time.After(wait):
		t.Fatal("no resync event")
	}
	require.Equal(t, "alice", h.engine.Info().Identity)
}

func TestConnectRequiresIdentity(t *testing.T) {
	h := newHarness(t, nil)
	require.Error(t, h.engine.Connect(""))
	require.Equal(t, status.Disconnected, h.engine.State())
}

func TestSendLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	m, err := h.engine.SendMessage("c1", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusSending, m.Status)
	require.True(t, m.Provisional())

	env, ok := link.Expect(wire.EventMessageSend, wait)
	require.True(t, ok)
	var send wire.Send
	require.NoError(t, env.Bind(&send))
	require.Equal(t, m.LocalID, send.ClientID)

	link.Push(wire.EventMessageAck, wire.Ack{ClientID: send.ClientID, MessageID: "srv-1", CreatedAt: time.Now()})
	require.Eventually(t, func() bool {
		got, ok := h.engine.Message("srv-1")
		return ok && got.Status == delivery.StatusSent
	}, wait, tick)

	link.Push(wire.EventMessageStatus, wire.StatusUpdate{MessageID: "srv-1", Status: "delivered"})
	require.Eventually(t, func() bool {
		got, _ := h.engine.Message("srv-1")
		return got.Status == delivery.StatusDelivered
	}, wait, tick)

	msgs := h.engine.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, m.LocalID, msgs[0].LocalID)
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	h := newHarness(t, nil)

	m, err := h.engine.SendMessage("c1", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, m.Status)
	require.NotEmpty(t, m.Error)
}

func TestSendErrorThenRetry(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	m, err := h.engine.SendMessage("c1", "hi", nil)
	require.NoError(t, err)
	_, ok := link.Expect(wire.EventMessageSend, wait)
	require.True(t, ok)

	link.Push(wire.EventMessageError, wire.SendError{ClientID: m.LocalID, Reason: "too long"})
	require.Eventually(t, func() bool {
		got, _ := h.engine.Message(m.LocalID)
		return got.Status == delivery.StatusFailed
	}, wait, tick)

	retried, err := h.engine.Retry(m.LocalID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusSending, retried.Status)
	require.NotEqual(t, m.LocalID, retried.LocalID)
	_, ok = link.Expect(wire.EventMessageSend, wait)
	require.True(t, ok)
	require.Len(t, h.engine.Messages("c1"), 1)
}

func TestReconnectRequestsPresenceFullSync(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	link.Push(wire.EventPresenceFull, wire.PresenceFull{OnlineIDs: []string{"bob"}})
	require.Eventually(t, func() bool {
		ids, authoritative := h.engine.Online()
		return authoritative && len(ids) == 1
	}, wait, tick)

	h.dialer.FailNext(3)
	link.Drop(errors.New("connection reset"))
	h.waitState(t, status.Reconnecting)
	_, authoritative := h.engine.Online()
	require.False(t, authoritative, "presence must be stale while the link is down")

	// three failed dials, the fourth succeeds
	for n := 1; n <= 4; n++ {
		h.waitRetry(t, n)
		h.clock.Advance(time.Second)
	}
	h.waitState(t, status.Connected)
	require.Equal(t, 5, h.dialer.Dials())
	require.Zero(t, h.engine.Info().RetryCount)

	next := h.dialer.Last()
	require.NotSame(t, link, next)
	_, ok := next.Expect(wire.EventPresenceRequest, wait)
	require.True(t, ok, "presence full sync not requested after reconnect")

	next.Push(wire.EventPresenceFull, wire.PresenceFull{OnlineIDs: []string{"carol"}})
	require.Eventually(t, func() bool {
		ids, authoritative := h.engine.Online()
		return authoritative && len(ids) == 1 && ids[0] == "carol"
	}, wait, tick)
}

func TestPresenceDeltaForUnknownPeer(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)
	ch, unsub := h.bus.Subscribe("presence.", 4)
	defer unsub()

	link.Push(wire.EventPresenceFull, wire.PresenceFull{OnlineIDs: []string{"bob"}})
	require.True(t, (<-ch).Payload.(presence.Change).Full)

	link.Push(wire.EventPresenceDelta, wire.PresenceDelta{UserID: "u1", Online: false})
	link.Push(wire.EventPresenceDelta, wire.PresenceDelta{UserID: "dave", Online: true})

	// the offline delta for u1 changed nothing, so the next event is dave's
	require.Equal(t, presence.Change{UserID: "dave", Online: true}, (<-ch).Payload)
	ids, authoritative := h.engine.Online()
	require.True(t, authoritative)
	require.Equal(t, []string{"bob", "dave"}, ids)
	require.Equal(t, status.Connected, h.engine.State())
}

func TestTyping(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	require.NoError(t, h.engine.SetTyping("c1", true))
	env, ok := link.Expect(wire.EventTyping, wait)
	require.True(t, ok)
	var out wire.Typing
	require.NoError(t, env.Bind(&out))
	require.Equal(t, wire.Typing{ConversationID: "c1", UserID: "alice", IsTyping: true}, out)

	// sending a message ends local typing right away
	_, err := h.engine.SendMessage("c1", "hi", nil)
	require.NoError(t, err)
	env, ok = link.Expect(wire.EventTyping, wait)
	require.True(t, ok)
	require.NoError(t, env.Bind(&out))
	require.False(t, out.IsTyping)

	link.Push(wire.EventTyping, wire.Typing{ConversationID: "c1", UserID: "alice", IsTyping: true})
	link.Push(wire.EventTyping, wire.Typing{ConversationID: "c1", UserID: "bob", IsTyping: true})
	require.Eventually(t, func() bool { return len(h.engine.TypingPeers("c1")) == 1 }, wait, tick)
	require.Equal(t, []string{"bob"}, h.engine.TypingPeers("c1"))

	// a message from bob clears his indicator
	link.Push(wire.EventMessageNew, wire.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "yo"})
	require.Eventually(t, func() bool { return len(h.engine.TypingPeers("c1")) == 0 }, wait, tick)
}

func TestLinkLossClearsInboundTyping(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	link.Push(wire.EventTyping, wire.Typing{ConversationID: "c1", UserID: "bob", IsTyping: true})
	require.Eventually(t, func() bool { return len(h.engine.TypingPeers("c1")) == 1 }, wait, tick)

	link.Drop(errors.New("timeout"))
	h.waitState(t, status.Reconnecting)
	require.Empty(t, h.engine.TypingPeers("c1"))
}

func TestIncomingMessagesUnreadAndNotifications(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)
	require.NoError(t, h.engine.Watch("c2"))

	link.Push(wire.EventMessageNew, wire.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", SenderName: "Bob", Content: "hi"})
	link.Push(wire.EventMessageNew, wire.Message{ID: "m2", ConversationID: "c2", SenderID: "bob", SenderName: "Bob", Content: "there"})
	link.Push(wire.EventMessageNew, wire.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", SenderName: "Bob", Content: "hi"})
	require.Eventually(t, func() bool { return len(h.alerts.all()) == 2 }, wait, tick)
	h.loop.Sync()

	require.Equal(t, map[string]int{"c1": 1}, h.engine.Unread(), "watched and duplicate messages must not count")
	require.Equal(t, 2, h.engine.NotificationCount())
	require.Equal(t, "Bob", h.alerts.all()[0].Title)

	ids, err := h.engine.MarkRead("c1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids)
	require.Empty(t, h.engine.Unread())
	env, ok := link.Expect(wire.EventMessageRead, wait)
	require.True(t, ok)
	var read wire.Read
	require.NoError(t, env.Bind(&read))
	require.Equal(t, wire.Read{ConversationID: "c1", MessageIDs: []string{"m1"}}, read)

	h.engine.ClearNotifications()
	require.Zero(t, h.engine.NotificationCount())
}

func TestNotificationKinds(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	link.Push(wire.EventMessageNew, wire.Message{ID: "g1", ConversationID: "team", ConversationName: "Team", IsGroup: true, SenderID: "bob", SenderName: "Bob", Content: "lunch?"})
	link.Push(wire.EventMessageNew, wire.Message{ID: "g2", ConversationID: "ops", ConversationName: "Ops", IsGroup: true, SenderID: "bob", SenderName: "Bob", Content: "@alice ping", Mentions: []string{"alice"}})
	require.Eventually(t, func() bool { return len(h.alerts.all()) == 2 }, wait, tick)

	shown := h.alerts.all()
	require.Equal(t, notify.EventGroupMessage, shown[0].Kind)
	require.Equal(t, notify.EventMention, shown[1].Kind)

	// with focus only mentions get through
	h.engine.SetFocus(true)
	link.Push(wire.EventMessageNew, wire.Message{ID: "g3", ConversationID: "team", IsGroup: true, SenderID: "bob", Content: "quiet"})
	link.Push(wire.EventMessageNew, wire.Message{ID: "g4", ConversationID: "team", IsGroup: true, SenderID: "bob", Content: "@alice", Mentions: []string{"alice"}})
	require.Eventually(t, func() bool { return len(h.alerts.all()) == 3 }, wait, tick)
	h.loop.Sync()
	require.Equal(t, notify.EventMention, h.alerts.all()[2].Kind)
}

func TestOwnEchoDoesNotNotify(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	m, err := h.engine.SendMessage("c1", "hi", nil)
	require.NoError(t, err)
	link.Push(wire.EventMessageNew, wire.Message{ID: "srv-1", ClientID: m.LocalID, ConversationID: "c1", SenderID: "alice", Content: "hi"})
	require.Eventually(t, func() bool {
		got, ok := h.engine.Message("srv-1")
		return ok && got.Status == delivery.StatusSent
	}, wait, tick)
	h.loop.Sync()

	require.Empty(t, h.alerts.all())
	require.Empty(t, h.engine.Unread())
	require.Len(t, h.engine.Messages("c1"), 1)
}

func TestServerUnreadCountsReplaceLocal(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)
	h.engine.SeedUnread(map[string]int{"stale": 4})

	link.Push(wire.EventUnreadCounts, wire.UnreadCounts{Counts: map[string]int{"c1": 2, "c2": 0}})
	require.Eventually(t, func() bool { return h.engine.Unread()["c1"] == 2 }, wait, tick)
	require.Equal(t, map[string]int{"c1": 2}, h.engine.Unread())
}

func TestIncomingCall(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)
	ch, unsub := h.bus.Subscribe("call.", 1)
	defer unsub()
	h.engine.SetFocus(true)

	link.Push(wire.EventCallIncoming, wire.CallIncoming{CallID: "k1", CallerID: "bob", CallerName: "Bob", CallType: "video"})
	select {
	case evt := <-ch:
		require.Equal(t, Call{CallID: "k1", CallerID: "bob", CallerName: "Bob", CallType: "video"}, evt.Payload)
	case <-time.After(wait):
		t.Fatal("call not published")
	}
	require.Eventually(t, func() bool { return len(h.alerts.all()) == 1 }, wait, tick)
	require.Equal(t, "call:k1", h.alerts.all()[0].Tag)
}

func TestWatchLoadsHistory(t *testing.T) {
	history := staticHistory{"c1": {
		{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "old", Status: delivery.StatusRead, CreatedAt: time.UnixMilli(1000)},
	}}
	h := newHarness(t, history)

	require.NoError(t, h.engine.Watch("c1"))
	msgs := h.engine.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "old", msgs[0].Content)

	require.NoError(t, h.engine.Unwatch("c1"))
	require.Len(t, h.engine.Messages("c1"), 1)
}

func TestDisconnectLeavesNoTimers(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	require.NoError(t, h.engine.SetTyping("c1", true))
	m, err := h.engine.SendMessage("c2", "hi", nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.SetTyping("c3", true))
	link.Push(wire.EventTyping, wire.Typing{ConversationID: "c1", UserID: "bob", IsTyping: true})
	require.Eventually(t, func() bool { return len(h.engine.TypingPeers("c1")) == 1 }, wait, tick)
	h.loop.Sync()
	require.NotZero(t, h.clock.Pending())

	require.NoError(t, h.engine.Disconnect())
	require.Equal(t, status.Disconnected, h.engine.State())
	require.Zero(t, h.clock.Pending(), "timers survived Disconnect")
	require.True(t, link.Closed())
	require.Empty(t, h.engine.TypingPeers("c1"))
	ids, authoritative := h.engine.Online()
	require.Empty(t, ids)
	require.False(t, authoritative)

	got, ok := h.engine.Message(m.LocalID)
	require.True(t, ok)
	require.Equal(t, delivery.StatusFailed, got.Status)

	h.clock.Advance(time.Minute)
	h.loop.Sync()
	require.Equal(t, 1, h.dialer.Dials())
	require.Equal(t, status.Disconnected, h.engine.State())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.engine.Disconnect())
	require.NoError(t, h.engine.Disconnect())

	link := h.connect(t)
	link.Push(wire.EventUnreadCounts, wire.UnreadCounts{Counts: map[string]int{"c1": 1}})
	require.Eventually(t, func() bool { return h.engine.Unread()["c1"] == 1 }, wait, tick)
}

func TestFailedSessionAbortsPendingSends(t *testing.T) {
	h := newHarness(t, nil)
	link := h.connect(t)

	m, err := h.engine.SendMessage("c1", "hi", nil)
	require.NoError(t, err)

	h.dialer.Reject("revoked")
	link.Drop(errors.New("reset"))
	h.waitRetry(t, 1)
	h.clock.Advance(time.Second)
	h.waitState(t, status.Failed)

	got, _ := h.engine.Message(m.LocalID)
	require.Equal(t, delivery.StatusFailed, got.Status)

	// a fresh Connect after Failed registers handlers once
	h.dialer.Reject("")
	link = h.connect(t)
	link.Push(wire.EventMessageNew, wire.Message{ID: "m9", ConversationID: "c9", SenderID: "bob", Content: "x"})
	require.Eventually(t, func() bool { return h.engine.Unread()["c9"] == 1 }, wait, tick)
	h.loop.Sync()
	require.Equal(t, 1, h.engine.Unread()["c9"])
}

func TestClosedLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.loop.Stop()

	require.ErrorIs(t, h.engine.Connect("alice"), ErrClosed)
	_, err := h.engine.SendMessage("c1", "hi", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, h.engine.Close())
}
