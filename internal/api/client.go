package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/notify"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, fullMethod(service, method), in, out)
}

// call sends req encoded as a Struct and decodes the Struct reply into out.
func (c *Client) call(ctx context.Context, service, method string, req, out any) error {
	var in proto.Message = &emptypb.Empty{}
	switch r := req.(type) {
	case nil:
	case proto.Message:
		in = r
	default:
		s, err := toStruct(r)
		if err != nil {
			return err
		}
		in = s
	}
	if out == nil {
		return c.invoke(ctx, service, method, in, &emptypb.Empty{})
	}
	reply := &structpb.Struct{}
	if err := c.invoke(ctx, service, method, in, reply); err != nil {
		return err
	}
	return fromStruct(reply, out)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, sessionService, "GetStatus", nil, &st)
	return st, err
}

// Connect starts a session. An empty identity uses the daemon's configured one.
func (c *Client) Connect(ctx context.Context, identity string) error {
	return c.call(ctx, sessionService, "Connect", wrapperspb.String(identity), nil)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.call(ctx, sessionService, "Disconnect", nil, nil)
}

// EventStream yields events from WatchEvents.
type EventStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (Event, error) {
	msg, err := s.stream.Recv()
	if err != nil {
		return Event{}, err
	}
	var evt Event
	err = fromStruct(msg, &evt)
	return evt, err
}

// Events subscribes to events whose kind starts with prefix. The stream
// ends when ctx is cancelled.
func (c *Client) Events(ctx context.Context, prefix string) (*EventStream, error) {
	desc := &sessionServiceDesc.Streams[0]
	cs, err := c.conn.NewStream(ctx, desc, fullMethod(sessionService, desc.StreamName))
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: cs}
	if err := stream.ClientStream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return nil, err
	}
	if err := stream.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

func (c *Client) Send(ctx context.Context, req SendRequest) (Message, error) {
	var m Message
	err := c.call(ctx, messageService, "SendMessage", req, &m)
	return m, err
}

func (c *Client) Retry(ctx context.Context, localID string) (Message, error) {
	var m Message
	err := c.call(ctx, messageService, "RetryMessage", wrapperspb.String(localID), &m)
	return m, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) ([]string, error) {
	var marked Marked
	err := c.call(ctx, messageService, "MarkRead", wrapperspb.String(conversationID), &marked)
	return marked.MessageIDs, err
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, hasContent bool) error {
	return c.call(ctx, messageService, "SetTyping", TypingRequest{ConversationID: conversationID, HasContent: hasContent}, nil)
}

func (c *Client) Watch(ctx context.Context, conversationID string) error {
	return c.call(ctx, messageService, "Watch", wrapperspb.String(conversationID), nil)
}

func (c *Client) Unwatch(ctx context.Context, conversationID string) error {
	return c.call(ctx, messageService, "Unwatch", wrapperspb.String(conversationID), nil)
}

func (c *Client) Messages(ctx context.Context, req ListRequest) ([]Message, error) {
	var out Messages
	err := c.call(ctx, messageService, "ListMessages", req, &out)
	return out.Messages, err
}

func (c *Client) Search(ctx context.Context, req SearchRequest) ([]Message, error) {
	var out Messages
	err := c.call(ctx, messageService, "SearchMessages", req, &out)
	return out.Messages, err
}

func (c *Client) Conversations(ctx context.Context, req PageRequest) ([]Conversation, error) {
	var out Conversations
	err := c.call(ctx, conversationService, "ListConversations", req, &out)
	return out.Conversations, err
}

func (c *Client) Settings(ctx context.Context) (notify.Settings, error) {
	var s notify.Settings
	err := c.call(ctx, notificationService, "GetSettings", nil, &s)
	return s, err
}

// UpdateSettings sends only the fields present in patch.
func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) (notify.Settings, error) {
	in, err := structpb.NewStruct(patch)
	if err != nil {
		return notify.Settings{}, err
	}
	var s notify.Settings
	err = c.call(ctx, notificationService, "UpdateSettings", in, &s)
	return s, err
}

func (c *Client) SetPermission(ctx context.Context, p notify.Permission) error {
	return c.call(ctx, notificationService, "SetPermission", wrapperspb.String(p.String()), nil)
}

func (c *Client) SetFocus(ctx context.Context, focused bool) error {
	return c.call(ctx, notificationService, "SetFocus", wrapperspb.Bool(focused), nil)
}

func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.call(ctx, notificationService, "ClearNotifications", nil, nil)
}
