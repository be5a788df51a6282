package store

import (
	"errors"
	"fmt"
	"slices"
)

// ChatType distinguishes direct conversations from groups.
type ChatType string

const (
	ChatDM    ChatType = "dm"
	ChatGroup ChatType = "group"
)

// SyncStatus is the local sync state of a chat row.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses for monotonic updates. Sending and failed share the
// lowest rank so a send can fail and a failed send can be retried.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusRead:
		return 3
	case StatusDelivered:
		return 2
	case StatusSent:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a message may move from one status to another.
// Once a message reached sent it never goes back to sending or failed.
func CanTransition(from, to MessageStatus) bool {
	if from == "" {
		return true
	}
	return to.Rank() >= from.Rank()
}

// ErrInvalidChat is returned when a chat violates its participant invariants.
var ErrInvalidChat = errors.New("invalid chat")

// LastMessage is the denormalized pointer to a chat's newest message.
type LastMessage struct {
	ID       string
	Text     string
	SenderID string
	At       int64
}

// Chat represents a synced chat.
type Chat struct {
	ID             string
	Type           ChatType
	ParticipantIDs []string
	AdminIDs       []string
	GroupName      string
	GroupAvatarURL string
	LastMessage    *LastMessage
	SyncStatus     SyncStatus
	LastSyncedAt   int64
	CreatedAt      int64
	UpdatedAt      int64
}

// Validate normalizes the participant set (dropping duplicates, keeping
// order) and checks the chat invariants.
func (c *Chat) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidChat)
	}
	seen := make(map[string]struct{}, len(c.ParticipantIDs))
	ids := c.ParticipantIDs[:0:0]
	for _, id := range c.ParticipantIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	c.ParticipantIDs = ids
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s has no participants", ErrInvalidChat, c.ID)
	}
	switch c.Type {
	case ChatDM:
		if len(ids) != 2 {
			return fmt.Errorf("%w: dm %s has %d participants", ErrInvalidChat, c.ID, len(ids))
		}
	case ChatGroup:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChat, c.Type)
	}
	return nil
}

// HasParticipant reports whether userID is a member of the chat.
func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Media is an attachment reference. LocalPath is set once the media cache
// has the file on disk.
type Media struct {
	URL       string
	MIME      string
	LocalPath string
}

// Message represents a chat message together with its local-send record.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Text        string
	Media       *Media
	ReplyToID   string
	Status      MessageStatus
	CreatedAt   int64
	Edited      bool
	EditedAt    int64
	DeliveredTo []string
	ReadBy      []string

	// Local-send record, owned by the outbound queue.
	LocalID        string
	QueuedAt       int64
	RetryCount     int
	LastRetryAt    int64
	SyncedToRemote bool
}

// SendState is the subset of message fields the outbound queue writes.
type SendState struct {
	Status         MessageStatus
	RetryCount     int
	LastRetryAt    int64
	SyncedToRemote bool
}

// Profile is a cached user profile.
type Profile struct {
	UserID          string
	Username        string
	DisplayName     string
	Bio             string
	AvatarURL       string
	AvatarLocalPath string
	LastSeen        int64
	CachedAt        int64
	UpdatedAt       int64
}

// MediaFile records a file held by the media cache.
type MediaFile struct {
	Key        string
	SourceURL  string
	MIME       string
	LocalPath  string
	Size       int64
	LastAccess int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
