package api

import (
	"context"
	"time"

	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// StatusServer is the server API of relay.v1.StatusService.
type StatusServer interface {
	GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SetPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	WatchPresence(in *structpb.Struct, stream grpc.ServerStream) error
}

// StatusServiceName is the service name without the package prefix.
const StatusServiceName = "StatusService"

// StatusServiceDesc describes relay.v1.StatusService.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: pkg + StatusServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[StatusServer](StatusServiceName, "GetStatus", StatusServer.GetStatus),
		unary[StatusServer](StatusServiceName, "SetPresence", StatusServer.SetPresence),
	},
	Streams: []grpc.StreamDesc{
		serverStream[StatusServer]("WatchPresence", StatusServer.WatchPresence),
	},
	Metadata: "relay/v1/status.proto",
}

// StatusService reports daemon health and drives the viewer's presence.
type StatusService struct {
	account   string
	userID    string
	startedAt time.Time
	machine   *status.Machine
	db        *store.DB
	presence  presence.Adapter
}

var _ StatusServer = (*StatusService)(nil)

// NewStatusService creates a status service.
func NewStatusService(account, userID string, machine *status.Machine, db *store.DB, p presence.Adapter) *StatusService {
	return &StatusService{
		account:   account,
		userID:    userID,
		startedAt: time.Now(),
		machine:   machine,
		db:        db,
		presence:  p,
	}
}

func (s *StatusService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"account":   s.account,
		"user_id":   s.userID,
		"state":     string(s.machine.Current()),
		"since":     s.machine.Since().UnixMilli(),
		"reachable": s.machine.Reachable(),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	// Counts are best effort; a closed store still reports connectivity.
	if n, err := s.db.ChatCount(ctx); err == nil {
		resp["chats"] = n
	}
	if n, err := s.db.MessageCount(ctx); err == nil {
		resp["messages"] = n
	}
	if n, err := s.db.PendingSendCount(ctx); err == nil {
		resp["pending"] = n
	}
	return reply(resp)
}

func (s *StatusService) SetPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st := presence.Status(str(in, "status"))
	if !st.Valid() {
		return nil, invalid("unknown presence status %q", st)
	}
	if err := s.presence.UpdateStatus(ctx, st); err != nil {
		return nil, toStatus("set presence", err)
	}
	return reply(map[string]any{"status": string(st)})
}

// WatchPresence streams presence changes of the requested users.
func (s *StatusService) WatchPresence(in *structpb.Struct, stream grpc.ServerStream) error {
	ids := strList(in, "user_ids")
	if len(ids) == 0 {
		return invalid("user_ids is required")
	}

	updates := make(chan presence.Update, 16)
	unsub := s.presence.OnStatusChange(ids, func(u presence.Update) {
		select {
		case updates <- u:
		default:
		}
	})
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			out, err := reply(map[string]any{
				"user_id":   u.UserID,
				"status":    string(u.Status),
				"last_seen": u.LastSeen.UnixMilli(),
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}
