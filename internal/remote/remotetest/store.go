// Package remotetest provides an in-memory remote.Store for tests.
package remotetest

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/relay/internal/remote"
)

// Store is an in-memory authoritative store. Every mutation pushes a fresh
// snapshot to the matching subscribers.
type Store struct {
	mu       sync.Mutex
	chats    map[string]remote.ChatDoc
	messages map[string]map[string]remote.MessageDoc
	users    map[string]remote.UserDoc
	chatSubs map[int]*chatSub
	msgSubs  map[int]*msgSub
	nextSub  int

	offline    atomic.Bool
	writeErr   error
	writeDelay time.Duration
	userDelay  time.Duration

	// Counters for assertions.
	Writes        atomic.Int64
	StatusUpdates atomic.Int64
	UserFetches   atomic.Int64
}

type chatSub struct {
	userID string
	out    *remote.Latest[[]remote.ChatDoc]
}

type msgSub struct {
	chatID string
	after  int64
	out    *remote.Latest[[]remote.MessageDoc]
}

// New creates an empty store.
func New() *Store {
	return &Store{
		chats:    make(map[string]remote.ChatDoc),
		messages: make(map[string]map[string]remote.MessageDoc),
		users:    make(map[string]remote.UserDoc),
		chatSubs: make(map[int]*chatSub),
		msgSubs:  make(map[int]*msgSub),
	}
}

// SetOffline makes every call fail with remote.ErrOffline while on.
func (s *Store) SetOffline(on bool) {
	s.offline.Store(on)
}

// FailWrites makes WriteMessage return err until called again with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetWriteDelay delays every WriteMessage by d.
func (s *Store) SetWriteDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDelay = d
}

// SetUserDelay delays every GetUser by d.
func (s *Store) SetUserDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userDelay = d
}

// PutChat stores a chat document and notifies chat subscribers.
func (s *Store) PutChat(c remote.ChatDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c
	s.notifyChatsLocked()
}

// PutMessage stores a message document as if another client wrote it.
func (s *Store) PutMessage(m remote.MessageDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putMessageLocked(m)
}

// PutUser stores a user document.
func (s *Store) PutUser(u remote.UserDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Message returns the stored document, if any.
func (s *Store) Message(chatID, id string) (remote.MessageDoc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[chatID][id]
	return m, ok
}

// Chat returns the stored chat document, if any.
func (s *Store) Chat(id string) (remote.ChatDoc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	return c, ok
}

// SubscribeChats implements remote.Store.
func (s *Store) SubscribeChats(ctx context.Context, userID string) (*remote.Stream[[]remote.ChatDoc], error) {
	if s.offline.Load() {
		return nil, remote.ErrOffline
	}
	stream, em := remote.NewStream[[]remote.ChatDoc](ctx, 8)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &chatSub{userID: userID}
	sub.out = remote.StartLatest(em, func() { s.unsubscribe(func() { delete(s.chatSubs, id) }) })
	s.chatSubs[id] = sub
	sub.out.Put(s.chatSnapshotLocked(userID))
	s.mu.Unlock()
	return stream, nil
}

// SubscribeMessages implements remote.Store.
func (s *Store) SubscribeMessages(ctx context.Context, chatID string, after time.Time) (*remote.Stream[[]remote.MessageDoc], error) {
	if s.offline.Load() {
		return nil, remote.ErrOffline
	}
	var afterMs int64
	if !after.IsZero() {
		afterMs = after.UnixMilli()
	}
	stream, em := remote.NewStream[[]remote.MessageDoc](ctx, 8)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &msgSub{chatID: chatID, after: afterMs}
	sub.out = remote.StartLatest(em, func() { s.unsubscribe(func() { delete(s.msgSubs, id) }) })
	s.msgSubs[id] = sub
	sub.out.Put(s.messageSnapshotLocked(chatID, afterMs))
	s.mu.Unlock()
	return stream, nil
}

// WriteMessage implements remote.Store.
func (s *Store) WriteMessage(ctx context.Context, msg remote.MessageDoc) error {
	s.mu.Lock()
	delay, werr := s.writeDelay, s.writeErr
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.offline.Load() {
		return remote.ErrOffline
	}
	if werr != nil {
		return werr
	}
	s.Writes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Status == "sending" || msg.Status == "failed" {
		msg.Status = "sent"
	}
	s.putMessageLocked(msg)
	return nil
}

// UpdateMessageStatus implements remote.Store.
func (s *Store) UpdateMessageStatus(ctx context.Context, chatID, messageID, status, by string) error {
	if s.offline.Load() {
		return remote.ErrOffline
	}
	s.StatusUpdates.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[chatID][messageID]
	if !ok {
		return remote.ErrNotFound
	}
	if rank(status) < rank(m.Status) {
		return nil
	}
	m.Status = status
	switch status {
	case "delivered":
		m.DeliveredTo = addUnique(m.DeliveredTo, by)
	case "read":
		m.ReadBy = addUnique(m.ReadBy, by)
	}
	s.putMessageLocked(m)
	return nil
}

// UpdateChatLastMessage implements remote.Store.
func (s *Store) UpdateChatLastMessage(ctx context.Context, chatID string, lm remote.LastMessageDoc) error {
	if s.offline.Load() {
		return remote.ErrOffline
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return remote.ErrNotFound
	}
	c.LastMessage = &lm
	c.UpdatedAt = lm.Timestamp
	s.chats[chatID] = c
	s.notifyChatsLocked()
	return nil
}

// GetMessage implements remote.Store.
func (s *Store) GetMessage(ctx context.Context, chatID, messageID string) (*remote.MessageDoc, error) {
	if s.offline.Load() {
		return nil, remote.ErrOffline
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[chatID][messageID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return &m, nil
}

// GetUser implements remote.Store.
func (s *Store) GetUser(ctx context.Context, userID string) (*remote.UserDoc, error) {
	s.UserFetches.Add(1)
	s.mu.Lock()
	delay := s.userDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.offline.Load() {
		return nil, remote.ErrOffline
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return &u, nil
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chatSubs) + len(s.msgSubs)
}

// Disconnect fails every live subscription with remote.ErrOffline.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.chatSubs {
		sub.out.Fail(remote.ErrOffline)
	}
	for _, sub := range s.msgSubs {
		sub.out.Fail(remote.ErrOffline)
	}
}

func (s *Store) unsubscribe(remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove()
}

func (s *Store) putMessageLocked(m remote.MessageDoc) {
	msgs, ok := s.messages[m.ChatID]
	if !ok {
		msgs = make(map[string]remote.MessageDoc)
		s.messages[m.ChatID] = msgs
	}
	msgs[m.ID] = m
	for _, sub := range s.msgSubs {
		if sub.chatID == m.ChatID {
			sub.out.Put(s.messageSnapshotLocked(sub.chatID, sub.after))
		}
	}
}

func (s *Store) notifyChatsLocked() {
	for _, sub := range s.chatSubs {
		sub.out.Put(s.chatSnapshotLocked(sub.userID))
	}
}

func (s *Store) chatSnapshotLocked(userID string) []remote.ChatDoc {
	var out []remote.ChatDoc
	for _, c := range s.chats {
		if slices.Contains(c.ParticipantIDs, userID) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b remote.ChatDoc) int {
		return compareInt(lastAt(b), lastAt(a))
	})
	return out
}

func (s *Store) messageSnapshotLocked(chatID string, after int64) []remote.MessageDoc {
	var out []remote.MessageDoc
	for _, m := range s.messages[chatID] {
		if m.CreatedAt > after {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b remote.MessageDoc) int {
		if c := compareInt(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func lastAt(c remote.ChatDoc) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func rank(status string) int {
	switch status {
	case "read":
		return 3
	case "delivered":
		return 2
	case "sent":
		return 1
	}
	return 0
}

func addUnique(set []string, id string) []string {
	if id == "" || slices.Contains(set, id) {
		return set
	}
	return append(slices.Clone(set), id)
}
