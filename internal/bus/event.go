package bus

import "time"

// Event kinds. Subscribers filter by prefix, so "message." receives both
// message kinds.
const (
	KindConnectivityChanged = "connectivity.status_changed"
	KindMessageStatus       = "message.status_changed"
	KindMessageUpserted     = "message.upserted"
	KindChatsSynced         = "sync.chats_synced"
	KindSyncError           = "sync.error"
	KindPresenceChanged     = "presence.changed"
	KindProfileUpdated      = "profile.updated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageStatusChange is the payload of KindMessageStatus.
type MessageStatusChange struct {
	MessageID string
	ChatID    string
	Status    string
}

// MessageUpserted is the payload of KindMessageUpserted.
type MessageUpserted struct {
	MessageID string
	ChatID    string
}

// ChatsSynced is the payload of KindChatsSynced.
type ChatsSynced struct {
	Count int
}

// SyncError is the payload of KindSyncError.
type SyncError struct {
	ChatID string
	Err    error
}

// ProfileUpdated is the payload of KindProfileUpdated.
type ProfileUpdated struct {
	UserID string
}

// PresenceChanged is the payload of KindPresenceChanged.
type PresenceChanged struct {
	UserID   string
	Status   string
	LastSeen time.Time
}
