// Package sync keeps the local store converged with the remote store: it
// mirrors the chat list, merges per-chat message snapshots and sends
// delivery receipts.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/store"
	"go.uber.org/zap"
)

// DefaultWindow is the number of stored messages a chat view starts with.
const DefaultWindow = 20

const receiptTimeout = 10 * time.Second

// MediaCache fills the local copy of message attachments.
type MediaCache interface {
	CacheMedia(ctx context.Context, url, mime string) (string, bool)
}

// Config configures a Coordinator.
type Config struct {
	// UserID is the viewer: the account whose chats are mirrored and on
	// whose behalf delivery receipts are sent.
	UserID string
	Window int
}

// fingerprint is what a message write depends on. A remote row whose
// fingerprint matches the last one applied is skipped.
type fingerprint struct {
	status    store.MessageStatus
	text      string
	editedAt  int64
	delivered int
	read      int
}

func fingerprintOf(m *store.Message) fingerprint {
	return fingerprint{
		status:    m.Status,
		text:      m.Text,
		editedAt:  m.EditedAt,
		delivered: len(m.DeliveredTo),
		read:      len(m.ReadBy),
	}
}

// Coordinator is the only writer of merge results into the local store.
type Coordinator struct {
	db         *store.DB
	remote     remote.Store
	bus        *bus.Bus
	logger     *zap.Logger
	cfg        Config
	reconciler *Reconciler
	media      MediaCache

	mu        gosync.Mutex
	seen      map[string]fingerprint
	chatsSeen map[string]int64
	receipted map[string]struct{}

	writes atomic.Int64
	wg     gosync.WaitGroup
	cancel context.CancelFunc
}

// New creates a coordinator.
func New(db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Coordinator{
		db:         db,
		remote:     rs,
		bus:        b,
		logger:     logger,
		cfg:        cfg,
		reconciler: NewReconciler(db, logger),
		seen:       make(map[string]fingerprint),
		chatsSeen:  make(map[string]int64),
		receipted:  make(map[string]struct{}),
	}
}

// SetMediaCache enables background media fills for synced messages.
func (c *Coordinator) SetMediaCache(m MediaCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = m
}

// Reconciler exposes the watermark bookkeeping.
func (c *Coordinator) Reconciler() *Reconciler {
	return c.reconciler
}

// Writes returns how many message rows the coordinator has written.
func (c *Coordinator) Writes() int64 {
	return c.writes.Load()
}

// StartChatSync mirrors the viewer's chat list until Stop. A subscription
// that cannot be established is retried whenever connectivity returns.
func (c *Coordinator) StartChatSync(ctx context.Context) error {
	if c.cfg.UserID == "" {
		return errors.New("sync: user id is required")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	var events <-chan bus.Event
	unsub := func() {}
	if c.bus != nil {
		events, unsub = c.bus.Subscribe(bus.KindConnectivityChanged, 16)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsub()
		c.chatLoop(ctx, events)
	}()
	return nil
}

// Stop ends chat sync and waits for background work.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) chatLoop(ctx context.Context, events <-chan bus.Event) {
	for {
		stream, err := c.remote.SubscribeChats(ctx, c.cfg.UserID)
		if err != nil {
			c.report(ctx, "", fmt.Errorf("subscribe chats: %w", err))
			// Wait for the link to come back before trying again.
			select {
			case <-events:
				continue
			case <-ctx.Done():
				return
			}
		}
		c.consumeChats(ctx, stream)
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Coordinator) consumeChats(ctx context.Context, stream *remote.Stream[[]remote.ChatDoc]) {
	defer stream.Cancel()
	for {
		select {
		case docs, ok := <-stream.C:
			if !ok {
				return
			}
			if err := c.ApplyChats(ctx, docs); err != nil {
				c.report(ctx, "", err)
			}
		case err := <-stream.Err:
			c.report(ctx, "", fmt.Errorf("chat stream: %w", err))
		case <-ctx.Done():
			return
		}
	}
}

// ApplyChats upserts a chat snapshot, marks each chat synced and prefetches
// missing last messages. Unchanged chats are skipped.
func (c *Coordinator) ApplyChats(ctx context.Context, docs []remote.ChatDoc) error {
	applied := 0
	for _, doc := range docs {
		chat := doc.ToChat()
		stamp := max(chat.UpdatedAt, lastAt(&chat))
		c.mu.Lock()
		prev, known := c.chatsSeen[chat.ID]
		c.mu.Unlock()
		if known && prev == stamp {
			continue
		}

		if err := c.db.UpsertChat(ctx, &chat); err != nil {
			if errors.Is(err, store.ErrNotInitialized) {
				return err
			}
			c.logger.Warn("failed to upsert chat", zap.Error(err), zap.String("chat_id", chat.ID))
			_ = c.db.SetChatSyncStatus(ctx, chat.ID, store.SyncFailed)
			continue
		}
		if err := c.db.SetChatSyncStatus(ctx, chat.ID, store.SyncSynced); err != nil {
			return err
		}
		c.prefetchLastMessage(ctx, &chat)

		c.mu.Lock()
		c.chatsSeen[chat.ID] = stamp
		c.mu.Unlock()
		applied++
	}
	if applied > 0 {
		c.logger.Info("chats synced", zap.Int("count", applied))
		c.bus.Emit(bus.KindChatsSynced, bus.ChatsSynced{Count: applied})
	}
	return nil
}

func (c *Coordinator) prefetchLastMessage(ctx context.Context, chat *store.Chat) {
	if chat.LastMessage == nil {
		return
	}
	behind, err := c.reconciler.Behind(ctx, chat.ID, chat.LastMessage.At)
	if err != nil || !behind {
		return
	}
	existing, err := c.db.GetMessage(ctx, chat.LastMessage.ID)
	if err != nil || existing != nil {
		return
	}
	doc, err := c.remote.GetMessage(ctx, chat.ID, chat.LastMessage.ID)
	if err != nil {
		c.logger.Debug("last message prefetch failed", zap.Error(err), zap.String("chat_id", chat.ID))
		return
	}
	// A lone last message leaves the messages before it unfetched, so the
	// watermark stays put.
	if _, err := c.applyMessages(ctx, chat.ID, []remote.MessageDoc{*doc}, false); err != nil {
		c.logger.Warn("failed to store prefetched message", zap.Error(err), zap.String("chat_id", chat.ID))
	}
}

// ApplyMessages writes the rows of a remote message snapshot that differ
// from what was last applied, all in one transaction. Returns the merged
// rows that were written.
func (c *Coordinator) ApplyMessages(ctx context.Context, chatID string, docs []remote.MessageDoc) ([]store.Message, error) {
	return c.applyMessages(ctx, chatID, docs, true)
}

// applyMessages is ApplyMessages; advance moves the chat's watermark to the
// newest message of docs.
func (c *Coordinator) applyMessages(ctx context.Context, chatID string, docs []remote.MessageDoc, advance bool) ([]store.Message, error) {
	var (
		changed  []*store.Message
		newest   int64
		receipts []store.Message
	)
	for _, doc := range docs {
		m := doc.ToMessage()
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		newest = max(newest, m.CreatedAt)
		if !m.Status.Valid() {
			c.logger.Warn("skipping message with unknown status", zap.String("msg_id", m.ID), zap.String("status", string(m.Status)))
			continue
		}

		fp := fingerprintOf(&m)
		c.mu.Lock()
		prev, known := c.seen[m.ID]
		c.mu.Unlock()
		if known && prev == fp {
			continue
		}

		local, err := c.db.GetMessage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if local != nil {
			m = overlay(*local, m)
			if fingerprintOf(local) == fingerprintOf(&m) && local.SyncedToRemote == m.SyncedToRemote {
				c.markSeen(&m)
				continue
			}
		}
		changed = append(changed, &m)
		if c.needsReceipt(&m) {
			receipts = append(receipts, m)
		}
	}

	if len(changed) > 0 {
		if err := c.db.SaveMessages(ctx, changed); err != nil {
			return nil, fmt.Errorf("apply snapshot of %s: %w", chatID, err)
		}
		for _, m := range changed {
			c.afterWrite(ctx, m)
		}
	}
	if advance && newest > 0 {
		if err := c.reconciler.Advance(ctx, chatID, newest); err != nil {
			c.logger.Warn("failed to advance watermark", zap.Error(err), zap.String("chat_id", chatID))
		}
	}
	for i := range receipts {
		c.sendReceipt(ctx, receipts[i])
	}

	out := make([]store.Message, len(changed))
	for i, m := range changed {
		out[i] = *m
	}
	return out, nil
}

func (c *Coordinator) afterWrite(ctx context.Context, m *store.Message) {
	c.writes.Add(1)
	c.markSeen(m)
	if m.LocalID != "" && m.SyncedToRemote {
		// A send whose ack was lost: the remote copy proves it arrived.
		st := store.SendState{Status: m.Status, RetryCount: m.RetryCount, LastRetryAt: m.LastRetryAt, SyncedToRemote: true}
		if _, err := c.db.UpdateSendState(ctx, m.ID, st); err != nil {
			c.logger.Warn("failed to settle send record", zap.Error(err), zap.String("msg_id", m.ID))
		}
	}
	c.bus.Emit(bus.KindMessageUpserted, bus.MessageUpserted{MessageID: m.ID, ChatID: m.ChatID})
	c.fillMedia(ctx, m)
}

func (c *Coordinator) markSeen(m *store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[m.ID] = fingerprintOf(m)
}

// needsReceipt reports whether m is a freshly observed incoming message the
// viewer has not acknowledged yet.
func (c *Coordinator) needsReceipt(m *store.Message) bool {
	if m.Status != store.StatusSent || m.SenderID == c.cfg.UserID || c.cfg.UserID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.receipted[m.ID]; done {
		return false
	}
	c.receipted[m.ID] = struct{}{}
	return true
}

// sendReceipt marks m delivered remotely and locally in the background.
// Failures are logged and swallowed.
func (c *Coordinator) sendReceipt(ctx context.Context, m store.Message) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rctx, cancel := context.WithTimeout(ctx, receiptTimeout)
		defer cancel()
		if err := c.remote.UpdateMessageStatus(rctx, m.ChatID, m.ID, string(store.StatusDelivered), c.cfg.UserID); err != nil {
			c.logger.Debug("delivery receipt failed", zap.Error(err), zap.String("msg_id", m.ID))
			c.mu.Lock()
			delete(c.receipted, m.ID)
			c.mu.Unlock()
			return
		}
		changed, err := c.db.UpdateMessageStatus(ctx, m.ID, store.StatusDelivered)
		if err != nil {
			c.logger.Debug("local delivery update failed", zap.Error(err), zap.String("msg_id", m.ID))
			return
		}
		if changed {
			c.bus.Emit(bus.KindMessageStatus, bus.MessageStatusChange{
				MessageID: m.ID,
				ChatID:    m.ChatID,
				Status:    string(store.StatusDelivered),
			})
		}
	}()
}

func (c *Coordinator) fillMedia(ctx context.Context, m *store.Message) {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil || m.Media == nil || m.Media.URL == "" || m.Media.LocalPath != "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	id, url, mime := m.ID, m.Media.URL, m.Media.MIME
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		path, ok := media.CacheMedia(ctx, url, mime)
		if !ok {
			return
		}
		if err := c.db.SetLocalMediaPath(ctx, id, path); err != nil {
			c.logger.Debug("failed to record media path", zap.Error(err), zap.String("msg_id", id))
		}
	}()
}

// report logs benign errors and surfaces the rest on the bus.
func (c *Coordinator) report(ctx context.Context, chatID string, err error) {
	if remote.IsBenign(err) {
		c.logger.Info("remote unavailable, serving local data", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.logger.Error("sync error", zap.String("chat_id", chatID), zap.Error(err))
	c.bus.Emit(bus.KindSyncError, bus.SyncError{ChatID: chatID, Err: err})
}

func lastAt(c *store.Chat) int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.At
}
