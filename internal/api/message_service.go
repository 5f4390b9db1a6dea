package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const defaultPageSize = 50

// MessageServer sends, reads and lists messages.
type MessageServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	MarkRead(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Watch(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Unwatch(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

const messageService = "MessageService"

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: packageName + "." + messageService,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(messageService, "SendMessage", MessageServer.SendMessage),
		unary(messageService, "RetryMessage", MessageServer.RetryMessage),
		unary(messageService, "MarkRead", MessageServer.MarkRead),
		unary(messageService, "SetTyping", MessageServer.SetTyping),
		unary(messageService, "Watch", MessageServer.Watch),
		unary(messageService, "Unwatch", MessageServer.Unwatch),
		unary(messageService, "ListMessages", MessageServer.ListMessages),
		unary(messageService, "SearchMessages", MessageServer.SearchMessages),
	},
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}

// MessageService implements MessageServer. Live state comes from the
// engine; the journal answers for conversations the engine does not hold.
type MessageService struct {
	engine *engine.Engine
	db     *store.DB
}

// NewMessageService creates a message service. db may be nil.
func NewMessageService(e *engine.Engine, db *store.DB) *MessageService {
	return &MessageService{engine: e, db: db}
}

func (s *MessageService) SendMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	var atts []wire.Attachment
	for _, url := range req.Attachments {
		atts = append(atts, wire.Attachment{URL: url})
	}
	m, err := s.engine.SendMessage(req.ConversationID, req.Content, atts)
	if err != nil {
		return nil, rpcError("send message", err)
	}
	return reply(messageView(m))
}

func (s *MessageService) RetryMessage(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	m, err := s.engine.Retry(in.GetValue())
	if err != nil {
		return nil, rpcError("retry message", err)
	}
	return reply(messageView(m))
}

func (s *MessageService) MarkRead(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	ids, err := s.engine.MarkRead(in.GetValue())
	if err != nil {
		return nil, rpcError("mark read", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return reply(Marked{MessageIDs: ids})
}

func (s *MessageService) SetTyping(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req TypingRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id required")
	}
	if err := s.engine.SetTyping(req.ConversationID, req.HasContent); err != nil {
		return nil, rpcError("set typing", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *MessageService) Watch(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id required")
	}
	if err := s.engine.Watch(in.GetValue()); err != nil {
		return nil, rpcError("watch", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *MessageService) Unwatch(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.engine.Unwatch(in.GetValue()); err != nil {
		return nil, rpcError("unwatch", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *MessageService) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	out := Messages{Messages: []Message{}}
	if live := s.engine.Messages(req.ConversationID); len(live) > 0 && req.Before == 0 {
		if len(live) > limit {
			live = live[len(live)-limit:]
		}
		for _, m := range live {
			out.Messages = append(out.Messages, messageView(m))
		}
		return reply(out)
	}
	if s.db == nil {
		return reply(out)
	}

	rows, err := s.db.ListMessages(req.ConversationID, req.Before, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	// the journal returns newest first
	for i := len(rows) - 1; i >= 0; i-- {
		out.Messages = append(out.Messages, storedMessageView(rows[i]))
	}
	return reply(out)
}

func (s *MessageService) SearchMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SearchRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.Query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query required")
	}
	if s.db == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "no local store")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.SearchMessages(req.Query, req.ConversationID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	out := Messages{Messages: []Message{}}
	for _, r := range rows {
		out.Messages = append(out.Messages, storedMessageView(r))
	}
	return reply(out)
}
