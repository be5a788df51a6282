// Package api exposes the daemon over gRPC on the account's unix socket.
// Services are declared by hand and exchange google.protobuf.Struct
// payloads, so no generated code is needed on either side.
package api

import (
	"context"
	"errors"

	"github.com/matheus3301/relay/internal/outbox"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Package name of every service.
const pkg = "relay.v1."

// Method is the full gRPC name of a method, e.g. /relay.v1.MessageService/SendText.
func Method(service, method string) string {
	return "/" + pkg + service + "/" + method
}

type unaryFunc[S any] func(s S, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

type streamFunc[S any] func(s S, in *structpb.Struct, stream grpc.ServerStream) error

func unary[S any](service, name string, call unaryFunc[S]) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Method(service, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func serverStream[S any](name string, call streamFunc[S]) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(S), in, stream)
		},
	}
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrNotEligible):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrEmptyDraft), errors.Is(err, store.ErrInvalidChat):
		code = codes.InvalidArgument
	case errors.Is(err, remote.ErrOffline), errors.Is(err, store.ErrNotInitialized):
		code = codes.Unavailable
	case errors.Is(err, remote.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, remote.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func invalid(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func num(in *structpb.Struct, key string) int {
	return int(in.GetFields()[key].GetNumberValue())
}

func strList(in *structpb.Struct, key string) []string {
	var list []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			list = append(list, s)
		}
	}
	return list
}

func flag(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

// out builds a response; values must be accepted by structpb.NewValue.
func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func anySlice(ss []string) []any {
	list := make([]any, len(ss))
	for i, s := range ss {
		list[i] = s
	}
	return list
}

func messageFields(m *store.Message) map[string]any {
	f := map[string]any{
		"id":         m.ID,
		"chat_id":    m.ChatID,
		"sender_id":  m.SenderID,
		"text":       m.Text,
		"status":     string(m.Status),
		"created_at": m.CreatedAt,
		"edited":     m.Edited,
	}
	if m.ReplyToID != "" {
		f["reply_to_id"] = m.ReplyToID
	}
	if m.Media != nil {
		f["media"] = map[string]any{"url": m.Media.URL, "mime": m.Media.MIME, "local_path": m.Media.LocalPath}
	}
	if len(m.DeliveredTo) > 0 {
		f["delivered_to"] = anySlice(m.DeliveredTo)
	}
	if len(m.ReadBy) > 0 {
		f["read_by"] = anySlice(m.ReadBy)
	}
	if m.LocalID != "" {
		f["local_id"] = m.LocalID
		f["retry_count"] = m.RetryCount
		f["synced"] = m.SyncedToRemote
	}
	return f
}

func messageList(msgs []store.Message) []any {
	list := make([]any, len(msgs))
	for i := range msgs {
		list[i] = messageFields(&msgs[i])
	}
	return list
}
