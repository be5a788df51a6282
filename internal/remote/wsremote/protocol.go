package wsremote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/relay/internal/remote"
)

// Envelope types.
const (
	typeRequest  = "request"
	typeResult   = "result"
	typeSnapshot = "snapshot"
)

// Operations understood by the remote store endpoint.
const (
	OpSubscribeChats    = "chats.subscribe"
	OpSubscribeMessages = "messages.subscribe"
	OpUnsubscribe       = "unsubscribe"
	OpWriteMessage      = "message.write"
	OpUpdateStatus      = "message.status"
	OpGetMessage        = "message.get"
	OpChatLastMessage   = "chat.last_message"
	OpGetUser           = "user.get"
)

// Error codes carried in result envelopes.
const (
	CodeOffline          = "offline"
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeTimeout          = "timeout"
)

// Request is sent by the client. For subscriptions the request id doubles as
// the subscription id of the snapshots that follow.
type Request struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Op      string `json:"op"`
	Payload any    `json:"payload,omitempty"`
}

// Result answers one Request.
type Result struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Error   *ResultError `json:"error,omitempty"`
	Payload any          `json:"payload,omitempty"`
}

// ResultError describes a failed request.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Snapshot pushes the current state of a subscription.
type Snapshot struct {
	Type    string `json:"type"`
	Sub     string `json:"sub"`
	Payload any    `json:"payload"`
}

// SubscribeChatsParams is the payload of OpSubscribeChats.
type SubscribeChatsParams struct {
	UserID string `json:"userId"`
}

// SubscribeMessagesParams is the payload of OpSubscribeMessages.
type SubscribeMessagesParams struct {
	ChatID string `json:"chatId"`
	After  int64  `json:"after"`
}

// UnsubscribeParams is the payload of OpUnsubscribe.
type UnsubscribeParams struct {
	Sub string `json:"sub"`
}

// StatusParams is the payload of OpUpdateStatus.
type StatusParams struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	By        string `json:"by"`
}

// GetMessageParams is the payload of OpGetMessage.
type GetMessageParams struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// LastMessageParams is the payload of OpChatLastMessage.
type LastMessageParams struct {
	ChatID      string                `json:"chatId"`
	LastMessage remote.LastMessageDoc `json:"lastMessage"`
}

// GetUserParams is the payload of OpGetUser.
type GetUserParams struct {
	UserID string `json:"userId"`
}

// ErrorCode maps a remote error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, remote.ErrOffline):
		return CodeOffline
	case errors.Is(err, remote.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, remote.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, remote.ErrTimeout):
		return CodeTimeout
	}
	return "internal"
}

func (e *ResultError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *ResultError) err(op string) error {
	var base error
	switch e.Code {
	case CodeOffline:
		base = remote.ErrOffline
	case CodePermissionDenied:
		base = remote.ErrPermissionDenied
	case CodeNotFound:
		base = remote.ErrNotFound
	case CodeTimeout:
		base = remote.ErrTimeout
	default:
		return fmt.Errorf("%s: %s", op, e.Message)
	}
	return fmt.Errorf("%s: %w", op, base)
}

func decode[T any](raw string) (T, error) {
	var v T
	if raw == "" {
		return v, nil
	}
	err := json.Unmarshal([]byte(raw), &v)
	return v, err
}
