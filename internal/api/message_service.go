package api

import (
	"context"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/outbox"
	"github.com/matheus3301/relay/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageServer is the server API of relay.v1.MessageService.
type MessageServer interface {
	SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Schedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	WatchStatus(in *structpb.Struct, stream grpc.ServerStream) error
}

// MessageServiceName is the service name without the package prefix.
const MessageServiceName = "MessageService"

// MessageServiceDesc describes relay.v1.MessageService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: pkg + MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[MessageServer](MessageServiceName, "SendText", MessageServer.SendText),
		unary[MessageServer](MessageServiceName, "Retry", MessageServer.Retry),
		unary[MessageServer](MessageServiceName, "ListMessages", MessageServer.ListMessages),
		unary[MessageServer](MessageServiceName, "SearchMessages", MessageServer.SearchMessages),
		unary[MessageServer](MessageServiceName, "Schedule", MessageServer.Schedule),
	},
	Streams: []grpc.StreamDesc{
		serverStream[MessageServer]("WatchStatus", MessageServer.WatchStatus),
	},
	Metadata: "relay/v1/message.proto",
}

// MessageService sends through the outbound queue and reads from the store.
type MessageService struct {
	db     *store.DB
	queue  *outbox.Queue
	bus    *bus.Bus
	userID string
}

var _ MessageServer = (*MessageService)(nil)

// NewMessageService creates a message service sending as userID.
func NewMessageService(db *store.DB, queue *outbox.Queue, b *bus.Bus, userID string) *MessageService {
	return &MessageService{db: db, queue: queue, bus: b, userID: userID}
}

func (s *MessageService) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID := str(in, "chat_id")
	if chatID == "" {
		return nil, invalid("chat_id is required")
	}
	d := outbox.Draft{
		ChatID:    chatID,
		SenderID:  s.userID,
		Text:      str(in, "text"),
		ReplyToID: str(in, "reply_to_id"),
	}
	if url := str(in, "media_url"); url != "" {
		d.Media = &store.Media{URL: url, MIME: str(in, "media_mime")}
	}
	msg, err := s.queue.SendOptimistic(ctx, d)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return reply(map[string]any{"message": messageFields(msg)})
}

func (s *MessageService) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "id")
	if id == "" {
		return nil, invalid("id is required")
	}
	started, err := s.queue.Retry(ctx, id)
	if err != nil {
		return nil, toStatus("retry", err)
	}
	return reply(map[string]any{"started": started})
}

func (s *MessageService) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	limit := num(in, "limit")
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.db.MessagesByChat(ctx, str(in, "chat_id"), limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return reply(map[string]any{
		"messages": messageList(msgs),
		"has_more": len(msgs) == limit,
	})
}

func (s *MessageService) SearchMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	query := str(in, "query")
	if query == "" {
		return nil, invalid("query is required")
	}
	results, err := s.db.SearchMessages(ctx, query, str(in, "chat_id"), num(in, "limit"))
	if err != nil {
		return nil, toStatus("search", err)
	}
	list := make([]any, len(results))
	for i := range results {
		list[i] = map[string]any{
			"message": messageFields(&results[i].Message),
			"snippet": results[i].Snippet,
		}
	}
	return reply(map[string]any{"results": list})
}

func (s *MessageService) Schedule(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	entries, err := s.queue.Schedule(ctx)
	if err != nil {
		return nil, toStatus("schedule", err)
	}
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = map[string]any{
			"message":          messageFields(&e.Message),
			"next_eligible_at": e.NextEligibleAt.UnixMilli(),
			"exhausted":        e.Exhausted,
			"in_flight":        e.InFlight,
		}
	}
	return reply(map[string]any{"entries": list})
}

// WatchStatus streams message status changes, optionally for one chat.
func (s *MessageService) WatchStatus(in *structpb.Struct, stream grpc.ServerStream) error {
	chatID := str(in, "chat_id")
	ch, unsub := s.bus.Subscribe(bus.KindMessageStatus, 64)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			change, ok := evt.Payload.(bus.MessageStatusChange)
			if !ok || (chatID != "" && change.ChatID != chatID) {
				continue
			}
			msg, err := reply(map[string]any{
				"message_id": change.MessageID,
				"chat_id":    change.ChatID,
				"status":     change.Status,
				"at":         evt.Timestamp.Format(time.RFC3339Nano),
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
