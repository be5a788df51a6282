package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/store"
	"go.uber.org/zap"
)

// ChatView is a live, merged timeline of one chat.
type ChatView struct {
	ChatID string

	// start is the createdAt bound the view covers, exclusive.
	start int64

	updates chan []store.Message
	errs    chan error
	cancel  context.CancelFunc
	done    chan struct{}

	mu       gosync.Mutex
	timeline []store.Message
}

// Updates delivers the merged timeline, ascending by createdAt, after every
// change. Only the latest timeline is kept for a slow reader.
func (v *ChatView) Updates() <-chan []store.Message {
	return v.updates
}

// Errors delivers unexpected subscription errors. Offline and permission
// errors are not reported here.
func (v *ChatView) Errors() <-chan error {
	return v.errs
}

// Messages returns the current merged timeline.
func (v *ChatView) Messages() []store.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]store.Message(nil), v.timeline...)
}

// Close cancels the remote subscription. Writes already in flight are not
// affected.
func (v *ChatView) Close() {
	v.cancel()
	<-v.done
}

func (v *ChatView) publish(msgs []store.Message) {
	v.mu.Lock()
	v.timeline = msgs
	v.mu.Unlock()
	// Single producer: draining first means the send never blocks.
	select {
	case <-v.updates:
	default:
	}
	v.updates <- msgs
}

func (v *ChatView) fail(err error) {
	select {
	case v.errs <- err:
	default:
	}
}

// OpenChat loads the most recent messages of a chat from the store,
// publishes them at once, then keeps the view merged with the remote
// store. Store errors are returned; remote errors never fail the call.
func (c *Coordinator) OpenChat(ctx context.Context, chatID string) (*ChatView, error) {
	local, err := c.db.MessagesByChat(ctx, chatID, c.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}
	for i := range local {
		c.markSeen(&local[i])
	}

	ctx, cancel := context.WithCancel(ctx)
	v := &ChatView{
		ChatID:  chatID,
		updates: make(chan []store.Message, 1),
		errs:    make(chan error, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	v.publish(Merge(local, nil))

	if len(local) > 0 {
		v.start = local[0].CreatedAt - 1
	}

	var (
		changes <-chan bus.Event
		online  <-chan bus.Event
	)
	unsubLocal, unsubOnline := func() {}, func() {}
	if c.bus != nil {
		changes, unsubLocal = c.bus.Subscribe(bus.KindMessageStatus, 64)
		online, unsubOnline = c.bus.Subscribe(bus.KindConnectivityChanged, 8)
	}

	vs := &viewStream{}
	c.subscribeView(ctx, v, vs)

	go func() {
		defer close(v.done)
		defer unsubLocal()
		defer unsubOnline()
		defer vs.cancel()
		c.serveView(ctx, v, vs, changes, online)
	}()
	return v, nil
}

// viewStream is the remote side of a view. It is nil while the remote
// store could not be subscribed.
type viewStream struct {
	stream *remote.Stream[[]remote.MessageDoc]
}

func (s *viewStream) snapshots() <-chan []remote.MessageDoc {
	if s.stream == nil {
		return nil
	}
	return s.stream.C
}

func (s *viewStream) errs() <-chan error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Err
}

func (s *viewStream) cancel() {
	if s.stream != nil {
		s.stream.Cancel()
		s.stream = nil
	}
}

// subscribeView subscribes to the remote messages newer than the chat's
// watermark. The bound is read again on every resubscribe.
func (c *Coordinator) subscribeView(ctx context.Context, v *ChatView, vs *viewStream) {
	stream, err := c.remote.SubscribeMessages(ctx, v.ChatID, c.subscribeAfter(ctx, v.ChatID))
	if err != nil {
		// The view keeps serving the store and local sends.
		c.viewError(ctx, v, fmt.Errorf("subscribe messages: %w", err))
		return
	}
	vs.stream = stream
}

// subscribeAfter returns the watermark of a chat less one millisecond, so a
// message sharing the watermark's timestamp is not skipped. A chat without
// a watermark is subscribed from the beginning.
func (c *Coordinator) subscribeAfter(ctx context.Context, chatID string) time.Time {
	wm, err := c.reconciler.Watermark(ctx, chatID)
	if err != nil {
		c.logger.Warn("failed to read watermark", zap.Error(err), zap.String("chat_id", chatID))
		return time.Time{}
	}
	if wm <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(wm - 1)
}

func (c *Coordinator) serveView(ctx context.Context, v *ChatView, vs *viewStream, local, online <-chan bus.Event) {
	for {
		select {
		case docs, ok := <-vs.snapshots():
			if !ok {
				vs.cancel()
				continue
			}
			if _, err := c.ApplyMessages(ctx, v.ChatID, docs); err != nil {
				c.viewError(ctx, v, err)
			}
			incoming := make([]store.Message, len(docs))
			for i := range docs {
				incoming[i] = docs[i].ToMessage()
			}
			v.publish(Merge(v.Messages(), incoming))
		case err := <-vs.errs():
			c.viewError(ctx, v, fmt.Errorf("message stream: %w", err))
		case evt := <-online:
			if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Online && vs.stream == nil {
				c.subscribeView(ctx, v, vs)
			}
		case evt := <-local:
			change, ok := evt.Payload.(bus.MessageStatusChange)
			if !ok || change.ChatID != v.ChatID {
				continue
			}
			c.refreshView(ctx, v)
		case <-ctx.Done():
			return
		}
	}
}

// refreshView folds local writes (sends, receipts) into the timeline.
func (c *Coordinator) refreshView(ctx context.Context, v *ChatView) {
	rows, err := c.db.MessagesAfter(ctx, v.ChatID, v.start)
	if err != nil {
		c.logger.Warn("failed to refresh chat view", zap.Error(err), zap.String("chat_id", v.ChatID))
		return
	}
	v.publish(Merge(v.Messages(), rows))
}

// viewError keeps benign errors out of the view and surfaces the rest.
func (c *Coordinator) viewError(ctx context.Context, v *ChatView, err error) {
	if remote.IsBenign(err) {
		c.logger.Info("remote unavailable, serving local data", zap.String("chat_id", v.ChatID), zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.logger.Error("chat view error", zap.String("chat_id", v.ChatID), zap.Error(err))
	v.fail(err)
	c.bus.Emit(bus.KindSyncError, bus.SyncError{ChatID: v.ChatID, Err: err})
}
