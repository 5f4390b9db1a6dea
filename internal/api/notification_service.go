package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/notify"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NotificationServer manages notification preferences and focus.
type NotificationServer interface {
	GetSettings(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	UpdateSettings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPermission(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SetFocus(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	ClearNotifications(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

const notificationService = "NotificationService"

var notificationServiceDesc = grpc.ServiceDesc{
	ServiceName: packageName + "." + notificationService,
	HandlerType: (*NotificationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(notificationService, "GetSettings", NotificationServer.GetSettings),
		unary(notificationService, "UpdateSettings", NotificationServer.UpdateSettings),
		unary(notificationService, "SetPermission", NotificationServer.SetPermission),
		unary(notificationService, "SetFocus", NotificationServer.SetFocus),
		unary(notificationService, "ClearNotifications", NotificationServer.ClearNotifications),
	},
}

// RegisterNotificationServer registers srv on s.
func RegisterNotificationServer(s grpc.ServiceRegistrar, srv NotificationServer) {
	s.RegisterService(&notificationServiceDesc, srv)
}

// NotificationService implements NotificationServer.
type NotificationService struct {
	engine *engine.Engine
}

func NewNotificationService(e *engine.Engine) *NotificationService {
	return &NotificationService{engine: e}
}

func (s *NotificationService) GetSettings(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return reply(s.engine.Settings())
}

// UpdateSettings merges the given fields over the current settings. The
// permission is not changed here; see SetPermission.
func (s *NotificationService) UpdateSettings(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	next := s.engine.Settings()
	if err := decodeRequest(in, &next); err != nil {
		return nil, err
	}
	if err := s.engine.UpdateSettings(next); err != nil {
		return nil, rpcError("update settings", err)
	}
	return reply(s.engine.Settings())
}

func (s *NotificationService) SetPermission(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	p, err := notify.ParsePermission(in.GetValue())
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.engine.SetPermission(p); err != nil {
		return nil, rpcError("set permission", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *NotificationService) SetFocus(_ context.Context, in *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	s.engine.SetFocus(in.GetValue())
	return &emptypb.Empty{}, nil
}

func (s *NotificationService) ClearNotifications(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.engine.ClearNotifications()
	return &emptypb.Empty{}, nil
}
