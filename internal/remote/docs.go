package remote

import (
	"github.com/matheus3301/relay/internal/store"
)

// LastMessageDoc is the denormalized last-message pointer on a chat document.
type LastMessageDoc struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
}

// ChatDoc is a chat document as held by the remote store.
type ChatDoc struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ParticipantIDs []string        `json:"participantIds"`
	AdminIDs       []string        `json:"adminIds,omitempty"`
	GroupName      *string         `json:"groupName,omitempty"`
	GroupAvatarURL *string         `json:"groupAvatarUrl,omitempty"`
	LastMessage    *LastMessageDoc `json:"lastMessage,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	UpdatedAt      int64           `json:"updatedAt"`
}

// MessageDoc is a message document as held by the remote store.
type MessageDoc struct {
	ID          string   `json:"id"`
	ChatID      string   `json:"chatId"`
	SenderID    string   `json:"senderId"`
	Text        *string  `json:"text,omitempty"`
	MediaURL    *string  `json:"mediaUrl,omitempty"`
	MediaMIME   *string  `json:"mediaType,omitempty"`
	ReplyToID   *string  `json:"replyTo,omitempty"`
	Status      string   `json:"status"`
	CreatedAt   int64    `json:"createdAt"`
	Edited      bool     `json:"edited,omitempty"`
	EditedAt    *int64   `json:"editedAt,omitempty"`
	DeliveredTo []string `json:"deliveredTo,omitempty"`
	ReadBy      []string `json:"readBy,omitempty"`
}

// UserDoc is a user profile document.
type UserDoc struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	Bio         *string `json:"bio,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	LastSeen    int64   `json:"lastSeen"`
}

// Ptr returns a pointer to v, for filling optional document fields.
func Ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// optional returns nil for the zero value of T and a pointer otherwise.
func optional[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

// ToChat converts the document into a local chat row. The local sync fields
// are left empty so upserts keep whatever the store already recorded.
func (d ChatDoc) ToChat() store.Chat {
	c := store.Chat{
		ID:             d.ID,
		Type:           store.ChatType(d.Type),
		ParticipantIDs: append([]string(nil), d.ParticipantIDs...),
		AdminIDs:       append([]string(nil), d.AdminIDs...),
		GroupName:      deref(d.GroupName),
		GroupAvatarURL: deref(d.GroupAvatarURL),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if d.LastMessage != nil {
		c.LastMessage = &store.LastMessage{
			ID:       d.LastMessage.ID,
			Text:     d.LastMessage.Text,
			SenderID: d.LastMessage.SenderID,
			At:       d.LastMessage.Timestamp,
		}
	}
	return c
}

// ToMessage converts the document into a local message row.
func (d MessageDoc) ToMessage() store.Message {
	m := store.Message{
		ID:          d.ID,
		ChatID:      d.ChatID,
		SenderID:    d.SenderID,
		Text:        deref(d.Text),
		ReplyToID:   deref(d.ReplyToID),
		Status:      store.MessageStatus(d.Status),
		CreatedAt:   d.CreatedAt,
		Edited:      d.Edited,
		EditedAt:    deref(d.EditedAt),
		DeliveredTo: append([]string(nil), d.DeliveredTo...),
		ReadBy:      append([]string(nil), d.ReadBy...),
	}
	if d.MediaURL != nil {
		m.Media = &store.Media{URL: *d.MediaURL, MIME: deref(d.MediaMIME)}
	}
	if len(m.DeliveredTo) == 0 {
		m.DeliveredTo = nil
	}
	if len(m.ReadBy) == 0 {
		m.ReadBy = nil
	}
	return m
}

// MessageDocFrom builds the remote document for a local message. Local-only
// fields (the send record and the cached media path) are not carried.
func MessageDocFrom(m *store.Message) MessageDoc {
	d := MessageDoc{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Text:        optional(m.Text),
		ReplyToID:   optional(m.ReplyToID),
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		Edited:      m.Edited,
		EditedAt:    optional(m.EditedAt),
		DeliveredTo: m.DeliveredTo,
		ReadBy:      m.ReadBy,
	}
	if m.Media != nil {
		d.MediaURL = optional(m.Media.URL)
		d.MediaMIME = optional(m.Media.MIME)
	}
	return d
}

// ToProfile converts the document into a cached profile row.
func (d UserDoc) ToProfile() store.Profile {
	return store.Profile{
		UserID:      d.ID,
		Username:    d.Username,
		DisplayName: d.DisplayName,
		Bio:         deref(d.Bio),
		AvatarURL:   deref(d.AvatarURL),
		LastSeen:    d.LastSeen,
	}
}
