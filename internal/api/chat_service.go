package api

import (
	"context"

	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChatServer is the server API of relay.v1.ChatService.
type ChatServer interface {
	ListChats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	WatchChat(in *structpb.Struct, stream grpc.ServerStream) error
}

// ChatServiceName is the service name without the package prefix.
const ChatServiceName = "ChatService"

// ChatServiceDesc describes relay.v1.ChatService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: pkg + ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[ChatServer](ChatServiceName, "ListChats", ChatServer.ListChats),
		unary[ChatServer](ChatServiceName, "GetChat", ChatServer.GetChat),
	},
	Streams: []grpc.StreamDesc{
		serverStream[ChatServer]("WatchChat", ChatServer.WatchChat),
	},
	Metadata: "relay/v1/chat.proto",
}

// ChatService serves the chat list and live chat timelines.
type ChatService struct {
	db     *store.DB
	coord  *sync.Coordinator
	logger *zap.Logger
}

var _ ChatServer = (*ChatService)(nil)

// NewChatService creates a chat service.
func NewChatService(db *store.DB, coord *sync.Coordinator, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{db: db, coord: coord, logger: logger}
}

func (s *ChatService) ListChats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chats, err := s.db.ListChats(ctx, num(in, "limit"))
	if err != nil {
		return nil, toStatus("list chats", err)
	}
	list := make([]any, len(chats))
	for i := range chats {
		list[i] = chatFields(&chats[i])
	}
	return reply(map[string]any{"chats": list})
}

func (s *ChatService) GetChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "chat_id")
	if id == "" {
		return nil, invalid("chat_id is required")
	}
	chat, err := s.db.GetChat(ctx, id)
	if err != nil {
		return nil, toStatus("get chat", err)
	}
	if chat == nil {
		return nil, toStatus("get chat", store.ErrNotFound)
	}
	return reply(map[string]any{"chat": chatFields(chat)})
}

// WatchChat sends the merged timeline of a chat on open and after every
// change until the client goes away.
func (s *ChatService) WatchChat(in *structpb.Struct, stream grpc.ServerStream) error {
	id := str(in, "chat_id")
	if id == "" {
		return invalid("chat_id is required")
	}
	ctx := stream.Context()
	view, err := s.coord.OpenChat(ctx, id)
	if err != nil {
		return toStatus("open chat", err)
	}
	defer view.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-view.Errors():
			s.logger.Warn("chat view error", zap.String("chat_id", id), zap.Error(err))
		case msgs := <-view.Updates():
			out, err := reply(map[string]any{"chat_id": id, "messages": messageList(msgs)})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func chatFields(c *store.Chat) map[string]any {
	f := map[string]any{
		"id":             c.ID,
		"type":           string(c.Type),
		"participants":   anySlice(c.ParticipantIDs),
		"sync_status":    string(c.SyncStatus),
		"last_synced_at": c.LastSyncedAt,
	}
	if c.GroupName != "" {
		f["group_name"] = c.GroupName
	}
	if len(c.AdminIDs) > 0 {
		f["admins"] = anySlice(c.AdminIDs)
	}
	if lm := c.LastMessage; lm != nil {
		f["last_message"] = map[string]any{
			"id":        lm.ID,
			"text":      lm.Text,
			"sender_id": lm.SenderID,
			"at":        lm.At,
		}
	}
	return f
}
