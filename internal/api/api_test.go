package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/journal"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport/transporttest"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	wait = 2 * time.Second
	tick = 10 * time.Millisecond
)

type fixture struct {
	client *Client
	dialer *transporttest.Dialer
	engine *engine.Engine
	db     *store.DB
}

func newFixture(t *testing.T, defaultIdentity string) *fixture {
	t.Helper()
	// Short path to stay under the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "chatsync-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "chatsync.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := loop.New(nil, nil)
	l.Start()
	t.Cleanup(l.Stop)

	b := bus.New()
	j := journal.New(db, b, nil)
	j.Start(context.Background())
	t.Cleanup(j.Stop)

	dialer := &transporttest.Dialer{}
	e, err := engine.New(engine.Deps{
		Loop:     l,
		Dialer:   dialer,
		Tokens:   auth.StaticToken("tok"),
		Bus:      b,
		Settings: db,
		History:  j,
	}, engine.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	srv := grpc.NewServer()
	RegisterSessionServer(srv, NewSessionService("test", defaultIdentity, e, db, nil))
	RegisterMessageServer(srv, NewMessageService(e, db))
	RegisterConversationServer(srv, NewConversationService(e, db))
	RegisterNotificationServer(srv, NewNotificationService(e))

	socketPath := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{client: client, dialer: dialer, engine: e, db: db}
}

func (f *fixture) connect(t *testing.T) *transporttest.Link {
	t.Helper()
	require.NoError(t, f.client.Connect(context.Background(), ""))
	require.Eventually(t, func() bool {
		st, err := f.client.Status(context.Background())
		return err == nil && st.State == string(status.Connected)
	}, wait, tick)
	return f.dialer.Last()
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, grpcstatus.Code(err), err.Error())
}

func TestStatusAndConnect(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", st.Profile)
	require.Equal(t, string(status.Disconnected), st.State)
	require.False(t, st.PresenceAuthoritative)

	link := f.connect(t)
	link.Push(wire.EventPresenceFull, wire.PresenceFull{OnlineIDs: []string{"bob"}})
	require.Eventually(t, func() bool {
		st, err = f.client.Status(ctx)
		return err == nil && st.PresenceAuthoritative && st.LastResync != ""
	}, wait, tick)
	require.Equal(t, "alice", st.Identity)
	require.Equal(t, []string{"bob"}, st.Online)

	require.NoError(t, f.client.Disconnect(ctx))
	st, err = f.client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, string(status.Disconnected), st.State)
}

func TestConnectNeedsIdentity(t *testing.T) {
	f := newFixture(t, "")
	requireCode(t, f.client.Connect(context.Background(), " "), codes.InvalidArgument)
}

func TestSendAndList(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	link := f.connect(t)

	m, err := f.client.Send(ctx, SendRequest{ConversationID: "c1", Content: "hi", Attachments: []string{"https://cdn.example/a.png"}})
	require.NoError(t, err)
	require.Equal(t, "sending", m.Status)
	require.Equal(t, m.LocalID, m.Key)
	require.Equal(t, []string{"https://cdn.example/a.png"}, m.Attachments)

	link.Push(wire.EventMessageAck, wire.Ack{ClientID: m.LocalID, MessageID: "srv-1", CreatedAt: time.Now()})
	require.Eventually(t, func() bool {
		msgs, err := f.client.Messages(ctx, ListRequest{ConversationID: "c1"})
		return err == nil && len(msgs) == 1 && msgs[0].Status == "sent" && msgs[0].Key == "srv-1"
	}, wait, tick)

	_, err = f.client.Send(ctx, SendRequest{ConversationID: "c1"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = f.client.Retry(ctx, "nope")
	requireCode(t, err, codes.NotFound)
	_, err = f.client.Retry(ctx, m.LocalID)
	requireCode(t, err, codes.FailedPrecondition)
}

func TestJournalBackedQueries(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	link := f.connect(t)

	link.Push(wire.EventMessageNew, wire.Message{ID: "m1", ConversationID: "c1", ConversationName: "Bob", SenderID: "bob", Content: "hello there", CreatedAt: time.UnixMilli(1000)})
	link.Push(wire.EventMessageNew, wire.Message{ID: "m2", ConversationID: "c2", SenderID: "carol", Content: "unrelated", CreatedAt: time.UnixMilli(2000)})

	require.Eventually(t, func() bool {
		found, err := f.client.Search(ctx, SearchRequest{Query: "unrelated"})
		return err == nil && len(found) == 1 && found[0].ID == "m2"
	}, wait, tick)
	found, err := f.client.Search(ctx, SearchRequest{Query: "hello", ConversationID: "c1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "bob", found[0].SenderID)

	convs, err := f.client.Conversations(ctx, PageRequest{})
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "c2", convs[0].ID)
	require.Equal(t, Conversation{ID: "c1", Name: "Bob", Unread: 1, LastMessageAt: 1000, Preview: "hello there"}, convs[1])

	ids, err := f.client.MarkRead(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids)
	_, ok := link.Expect(wire.EventMessageRead, wait)
	require.True(t, ok)

	convs, err = f.client.Conversations(ctx, PageRequest{})
	require.NoError(t, err)
	require.Zero(t, convs[1].Unread)

	_, err = f.client.Search(ctx, SearchRequest{})
	requireCode(t, err, codes.InvalidArgument)
}

func TestListFallsBackToJournal(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	for _, m := range []*store.Message{
		{ConversationID: "old", MessageID: "a", Body: "first", Status: "read", StatusRank: 3, CreatedAt: 1000},
		{ConversationID: "old", MessageID: "b", Body: "second", Status: "read", StatusRank: 3, CreatedAt: 2000},
	} {
		require.NoError(t, f.db.UpsertMessage(m))
	}

	msgs, err := f.client.Messages(ctx, ListRequest{ConversationID: "old"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)

	// watching seeds the engine from the journal
	require.NoError(t, f.client.Watch(ctx, "old"))
	require.Len(t, f.engine.Messages("old"), 2)
	require.NoError(t, f.client.Unwatch(ctx, "old"))

	_, err = f.client.Messages(ctx, ListRequest{})
	requireCode(t, err, codes.InvalidArgument)
}

func TestTypingOverRPC(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	link := f.connect(t)

	require.NoError(t, f.client.SetTyping(ctx, "c1", true))
	env, ok := link.Expect(wire.EventTyping, wait)
	require.True(t, ok)
	var typing wire.Typing
	require.NoError(t, env.Bind(&typing))
	require.True(t, typing.IsTyping)

	requireCode(t, f.client.SetTyping(ctx, "", true), codes.InvalidArgument)
}

func TestSettings(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	s, err := f.client.Settings(ctx)
	require.NoError(t, err)
	require.Equal(t, notify.DefaultSettings(), s)

	s, err = f.client.UpdateSettings(ctx, map[string]any{"sound": false, "permission": "granted"})
	require.NoError(t, err)
	require.False(t, s.Sound)
	require.True(t, s.Vibration)
	require.Equal(t, notify.PermissionDefault, s.Permission, "permission only changes through SetPermission")

	require.NoError(t, f.client.SetPermission(ctx, notify.PermissionGranted))
	s, err = f.client.Settings(ctx)
	require.NoError(t, err)
	require.Equal(t, notify.PermissionGranted, s.Permission)

	saved, found, err := f.db.LoadSettings()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, s, saved)

	require.NoError(t, f.client.SetFocus(ctx, true))
	require.NoError(t, f.client.ClearNotifications(ctx))
}

func TestWatchEvents(t *testing.T) {
	f := newFixture(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := f.client.Events(ctx, "unread.")
	require.NoError(t, err)

	// The server subscribes asynchronously; keep publishing until it does.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.engine.SeedUnread(map[string]int{"c1": 3})
			}
		}
	}()

	evt, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, bus.KindUnreadChanged, evt.Kind)
	payload, ok := evt.Payload.(map[string]any)
	require.True(t, ok, "payload = %#v", evt.Payload)
	require.Equal(t, true, payload["Full"])
}
