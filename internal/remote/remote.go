// Package remote defines the typed contract of the authoritative remote
// store. The sync coordinator, outbound queue and profile cache depend on
// Store only; the transport lives in subpackages.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOffline is returned when the remote store cannot be reached.
	ErrOffline = errors.New("remote offline")
	// ErrPermissionDenied is returned when the remote store rejects the caller.
	ErrPermissionDenied = errors.New("remote permission denied")
	// ErrTimeout is returned when a remote write does not complete in time.
	ErrTimeout = errors.New("remote timeout")
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("remote document not found")
)

// IsBenign reports whether err is an expected condition that leaves local
// data usable: the device is offline or the caller lacks access.
func IsBenign(err error) bool {
	return errors.Is(err, ErrOffline) || errors.Is(err, ErrPermissionDenied)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotFound)
}

// Store is the authoritative real-time document store.
type Store interface {
	// SubscribeChats streams full snapshots of the chats userID takes part in.
	SubscribeChats(ctx context.Context, userID string) (*Stream[[]ChatDoc], error)
	// SubscribeMessages streams snapshots of a chat's messages created after
	// the given time, ascending by createdAt.
	SubscribeMessages(ctx context.Context, chatID string, after time.Time) (*Stream[[]MessageDoc], error)
	// WriteMessage creates or overwrites a message document.
	WriteMessage(ctx context.Context, msg MessageDoc) error
	// UpdateMessageStatus moves a message to status. by is the user whose
	// receipt is recorded in deliveredTo or readBy.
	UpdateMessageStatus(ctx context.Context, chatID, messageID, status, by string) error
	// UpdateChatLastMessage sets a chat's denormalized last-message fields.
	UpdateChatLastMessage(ctx context.Context, chatID string, lm LastMessageDoc) error
	// GetMessage fetches a single message.
	GetMessage(ctx context.Context, chatID, messageID string) (*MessageDoc, error)
	// GetUser fetches a user profile document.
	GetUser(ctx context.Context, userID string) (*UserDoc, error)
}
