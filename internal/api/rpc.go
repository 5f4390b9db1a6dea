// Package api is the daemon's control surface: four gRPC services carried
// over protobuf well-known types, with JSON-shaped views inside Struct
// payloads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const packageName = "chatsync.v1"

func fullMethod(service, method string) string {
	return "/" + packageName + "." + service + "/" + method
}

// unary builds the method descriptor for a request/response call on S.
func unary[S any, Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](service, name string, fn func(S, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(PReq))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// toStruct encodes a view as a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes a Struct into v. A nil Struct leaves v untouched.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func reply(v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

func decodeRequest(s *structpb.Struct, v any) error {
	if err := fromStruct(s, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// rpcError maps domain errors onto gRPC codes.
func rpcError(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, delivery.ErrEmptyMessage), errors.Is(err, delivery.ErrNoConversation):
		code = codes.InvalidArgument
	case errors.Is(err, delivery.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, delivery.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrClosed), errors.Is(err, transport.ErrNotConnected):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
