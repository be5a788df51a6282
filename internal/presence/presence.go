// Package presence publishes the viewer's online status and relays status
// changes of other users. Presence is never persisted.
package presence

import (
	"context"
	"time"
)

// Status is a user's presence.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Online, Away, Offline:
		return true
	}
	return false
}

// Update is one observed presence change.
type Update struct {
	UserID   string
	Status   Status
	LastSeen time.Time
}

// Adapter is the presence service as seen by the rest of the client.
type Adapter interface {
	// SetOnline marks the viewer online. The service clears it when the
	// connection drops.
	SetOnline(ctx context.Context) error
	UpdateStatus(ctx context.Context, s Status) error
	SetOffline(ctx context.Context) error
	// OnStatusChange calls cb for every change of one of userIDs until the
	// returned function is called.
	OnStatusChange(userIDs []string, cb func(Update)) func()
}
