package api

import (
	"context"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/journal"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SessionServer controls the connection and streams state changes.
type SessionServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Connect(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Disconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchEvents(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

const sessionService = "SessionService"

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: packageName + "." + sessionService,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(sessionService, "GetStatus", SessionServer.GetStatus),
		unary(sessionService, "Connect", SessionServer.Connect),
		unary(sessionService, "Disconnect", SessionServer.Disconnect),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(wrapperspb.StringValue)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SessionServer).WatchEvents(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
			},
		},
	},
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

// SessionService implements SessionServer on top of the engine.
type SessionService struct {
	profile         string
	defaultIdentity string
	startedAt       time.Time
	engine          *engine.Engine
	db              *store.DB
	logger          *zap.Logger
}

// NewSessionService creates a session service. db may be nil.
func NewSessionService(profile, defaultIdentity string, e *engine.Engine, db *store.DB, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		profile:         profile,
		defaultIdentity: defaultIdentity,
		startedAt:       time.Now(),
		engine:          e,
		db:              db,
		logger:          logger,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	info := s.engine.Info()
	online, authoritative := s.engine.Online()
	st := Status{
		Profile:               s.profile,
		Identity:              info.Identity,
		State:                 string(info.State),
		RetryCount:            info.RetryCount,
		LastError:             info.LastError,
		UptimeMs:              time.Since(s.startedAt).Milliseconds(),
		Online:                online,
		PresenceAuthoritative: authoritative,
		Unread:                s.engine.Unread(),
		Notifications:         s.engine.NotificationCount(),
	}
	if s.db != nil {
		if _, at, found, err := s.db.Checkpoint(journal.CheckpointLastResync); err == nil && found {
			st.LastResync = at.Format(time.RFC3339)
		}
	}
	return reply(st)
}

func (s *SessionService) Connect(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	identity := strings.TrimSpace(in.GetValue())
	if identity == "" {
		identity = s.defaultIdentity
	}
	if identity == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "identity required")
	}
	if err := s.engine.Connect(identity); err != nil {
		return nil, rpcError("connect", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SessionService) Disconnect(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.Disconnect(); err != nil {
		return nil, rpcError("disconnect", err)
	}
	return &emptypb.Empty{}, nil
}

// WatchEvents streams every bus event whose kind starts with the requested
// prefix; an empty prefix streams everything.
func (s *SessionService) WatchEvents(in *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.engine.Bus().Subscribe(in.GetValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := toStruct(eventView(evt))
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

