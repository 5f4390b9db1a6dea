package api

import (
	"context"
	"sort"

	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ConversationServer lists conversations.
type ConversationServer interface {
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

const conversationService = "ConversationService"

var conversationServiceDesc = grpc.ServiceDesc{
	ServiceName: packageName + "." + conversationService,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(conversationService, "ListConversations", ConversationServer.ListConversations),
	},
}

// RegisterConversationServer registers srv on s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&conversationServiceDesc, srv)
}

// ConversationService implements ConversationServer.
type ConversationService struct {
	engine *engine.Engine
	db     *store.DB
}

// NewConversationService creates a conversation service. db may be nil, in
// which case only conversations with unread messages are known.
func NewConversationService(e *engine.Engine, db *store.DB) *ConversationService {
	return &ConversationService{engine: e, db: db}
}

// ListConversations returns journaled conversations, most recent first, with
// live unread counters.
func (s *ConversationService) ListConversations(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PageRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	unread := s.engine.Unread()
	out := Conversations{Conversations: []Conversation{}}

	if s.db == nil {
		ids := make([]string, 0, len(unread))
		for id := range unread {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out.Conversations = append(out.Conversations, Conversation{ID: id, Name: id, Unread: unread[id]})
		}
		return reply(out)
	}

	rows, err := s.db.ListConversations(req.Limit, req.Offset)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	for _, c := range rows {
		out.Conversations = append(out.Conversations, Conversation{
			ID:            c.ID,
			Name:          c.Name,
			IsGroup:       c.IsGroup,
			Unread:        unread[c.ID],
			LastMessageAt: c.LastMessageAt,
			Preview:       c.LastMessagePreview,
		})
	}
	return reply(out)
}
