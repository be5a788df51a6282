// Package outbox owns the optimistic-send lifecycle: local id generation,
// the first remote write, and backoff-scheduled retries.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/store"
	"go.uber.org/zap"
)

// ErrNotEligible is returned by Retry when the message is not in a
// retryable state or its backoff window has not elapsed.
var ErrNotEligible = errors.New("message not eligible for retry")

// ErrEmptyDraft is returned when a draft carries neither text nor media.
var ErrEmptyDraft = errors.New("draft has no text or media")

// Config tunes retry scheduling.
type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	WriteTimeout  time.Duration
	RetryInterval time.Duration
}

// DefaultConfig returns the stock scheduling parameters.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		MaxAttempts:   5,
		WriteTimeout:  10 * time.Second,
		RetryInterval: 5 * time.Second,
	}
}

// Reachability reports whether the remote store can take writes.
type Reachability interface {
	Reachable() bool
}

// ReachabilityFunc adapts a function to Reachability.
type ReachabilityFunc func() bool

// Reachable implements Reachability.
func (f ReachabilityFunc) Reachable() bool { return f() }

// StatusFunc is notified on every status transition of a queued message.
type StatusFunc func(messageID string, status store.MessageStatus)

// Draft is the user input for a new message.
type Draft struct {
	ChatID    string
	SenderID  string
	Text      string
	Media     *store.Media
	ReplyToID string
}

// Scheduled is one entry of the retry schedule.
type Scheduled struct {
	Message        store.Message
	NextEligibleAt time.Time
	Exhausted      bool
	InFlight       bool
}

// Queue sends messages optimistically and retries failed writes.
type Queue struct {
	db     *store.DB
	remote remote.Store
	reach  Reachability
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	onStatus StatusFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a queue. A nil reach treats the remote store as always reachable.
func New(db *store.DB, rs remote.Store, reach Reachability, b *bus.Bus, logger *zap.Logger, cfg Config) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reach == nil {
		reach = ReachabilityFunc(func() bool { return true })
	}
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	return &Queue{
		db:       db,
		remote:   rs,
		reach:    reach,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Config returns the scheduling parameters in effect.
func (q *Queue) Config() Config {
	return q.cfg
}

// OnStatus registers the status-change callback, replacing any previous one.
func (q *Queue) OnStatus(fn StatusFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatus = fn
}

// NewLocalID returns a client-generated id: unix millis plus a random suffix.
func NewLocalID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

// SendOptimistic stores d as a sending message and returns it before any
// network call. The remote write runs in the background, detached from ctx.
func (q *Queue) SendOptimistic(ctx context.Context, d Draft) (*store.Message, error) {
	if d.ChatID == "" || d.SenderID == "" {
		return nil, fmt.Errorf("draft: chat and sender are required")
	}
	if strings.TrimSpace(d.Text) == "" && d.Media == nil {
		return nil, ErrEmptyDraft
	}

	now := q.now()
	id := NewLocalID(now)
	msg := &store.Message{
		ID:        id,
		ChatID:    d.ChatID,
		SenderID:  d.SenderID,
		Text:      d.Text,
		Media:     d.Media,
		ReplyToID: d.ReplyToID,
		Status:    store.StatusSending,
		CreatedAt: now.UnixMilli(),
		LocalID:   id,
		QueuedAt:  now.UnixMilli(),
	}
	if err := q.db.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}
	q.logger.Debug("message queued", zap.String("msg_id", id), zap.String("chat_id", d.ChatID))
	q.notify(msg, store.StatusSending)

	if q.acquire(id) {
		q.wg.Add(1)
		go q.attempt(context.WithoutCancel(ctx), *msg)
	}
	return msg, nil
}

// Retry attempts a failed or still-sending message again once its backoff
// elapsed. Manual retries ignore MaxAttempts. Reports whether a remote
// write was started; a message already in flight is a no-op.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	msg, err := q.db.GetMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, fmt.Errorf("message %q: %w", id, store.ErrNotFound)
	}
	if !q.acquire(id) {
		return false, nil
	}
	started := false
	defer func() {
		if !started {
			q.release(id)
		}
	}()

	if msg.SyncedToRemote || (msg.Status != store.StatusFailed && msg.Status != store.StatusSending) {
		return false, fmt.Errorf("message %q is %s: %w", id, msg.Status, ErrNotEligible)
	}
	if next := q.cfg.NextEligibleAt(msg); q.now().Before(next) {
		return false, fmt.Errorf("message %q retry in %s: %w", id, next.Sub(q.now()).Round(time.Millisecond), ErrNotEligible)
	}

	if msg.Status == store.StatusFailed {
		st := store.SendState{Status: store.StatusSending, RetryCount: msg.RetryCount, LastRetryAt: msg.LastRetryAt}
		changed, err := q.db.UpdateSendState(ctx, id, st)
		if err != nil {
			return false, err
		}
		msg.Status = store.StatusSending
		if changed {
			q.notify(msg, store.StatusSending)
		}
	}

	if !q.reach.Reachable() {
		q.logger.Debug("retry deferred, remote unreachable", zap.String("msg_id", id))
		return false, nil
	}
	started = true
	q.wg.Add(1)
	go q.attempt(context.WithoutCancel(ctx), *msg)
	return true, nil
}

// RetryDue starts a write for every queued message whose backoff elapsed
// and that has not exhausted its automatic attempts. Returns how many were
// started.
func (q *Queue) RetryDue(ctx context.Context) int {
	if !q.reach.Reachable() {
		return 0
	}
	pending, err := q.db.PendingSends(ctx)
	if err != nil {
		q.logger.Error("failed to read pending sends", zap.Error(err))
		return 0
	}
	now := q.now()
	started := 0
	for i := range pending {
		msg := pending[i]
		if q.cfg.Exhausted(&msg) || now.Before(q.cfg.NextEligibleAt(&msg)) {
			continue
		}
		if !q.acquire(msg.ID) {
			continue
		}
		started++
		q.wg.Add(1)
		go q.attempt(context.WithoutCancel(ctx), msg)
	}
	if started > 0 {
		q.logger.Info("retrying due messages", zap.Int("count", started))
	}
	return started
}

// Schedule returns every unsynced local message with its next eligible time.
func (q *Queue) Schedule(ctx context.Context) ([]Scheduled, error) {
	pending, err := q.db.PendingSends(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Scheduled, len(pending))
	for i := range pending {
		out[i] = Scheduled{
			Message:        pending[i],
			NextEligibleAt: q.cfg.NextEligibleAt(&pending[i]),
			Exhausted:      q.cfg.Exhausted(&pending[i]),
			InFlight:       q.isInFlight(pending[i].ID),
		}
	}
	return out, nil
}

// Start runs RetryDue on every tick and whenever connectivity comes back.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	var events <-chan bus.Event
	unsub := func() {}
	if q.bus != nil {
		events, unsub = q.bus.Subscribe(bus.KindConnectivityChanged, 16)
	}
	go q.loop(ctx, events, unsub)
}

// Stop stops the retry loop. Writes already in flight run to completion.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

// Wait blocks until every in-flight write finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context, events <-chan bus.Event, unsub func()) {
	defer unsub()
	ticker := time.NewTicker(q.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.RetryDue(ctx)
		case evt := <-events:
			if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Online {
				q.logger.Info("remote reachable again, flushing queue")
				q.RetryDue(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// attempt performs one remote write. The caller must hold the in-flight
// slot for msg.ID.
func (q *Queue) attempt(ctx context.Context, msg store.Message) {
	defer q.wg.Done()
	defer q.release(msg.ID)

	if !q.reach.Reachable() {
		// Offline: leave the message sending and the retry count untouched.
		q.logger.Debug("send skipped, remote unreachable", zap.String("msg_id", msg.ID))
		return
	}

	doc := remote.MessageDocFrom(&msg)
	doc.Status = string(store.StatusSent)
	err := q.write(ctx, doc)
	if err == nil {
		q.succeeded(ctx, msg)
		return
	}
	q.failed(ctx, msg, err)
}

// write races the remote write against the write timeout.
func (q *Queue) write(ctx context.Context, doc remote.MessageDoc) error {
	wctx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- q.remote.WriteMessage(wctx, doc) }()

	select {
	case err := <-errc:
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("write %s: %w", doc.ID, remote.ErrTimeout)
		}
		return err
	case <-wctx.Done():
		return fmt.Errorf("write %s: %w", doc.ID, remote.ErrTimeout)
	}
}

func (q *Queue) succeeded(ctx context.Context, msg store.Message) {
	st := store.SendState{
		Status:         store.StatusSent,
		RetryCount:     msg.RetryCount,
		LastRetryAt:    msg.LastRetryAt,
		SyncedToRemote: true,
	}
	if _, err := q.db.UpdateSendState(ctx, msg.ID, st); err != nil {
		q.logger.Error("failed to record send", zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}

	lm := store.LastMessage{ID: msg.ID, Text: previewText(&msg), SenderID: msg.SenderID, At: msg.CreatedAt}
	if err := q.db.UpdateChatLastMessage(ctx, msg.ChatID, lm); err != nil {
		q.logger.Warn("failed to update chat last message", zap.Error(err), zap.String("chat_id", msg.ChatID))
	}
	lctx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
	defer cancel()
	doc := remote.LastMessageDoc{ID: lm.ID, Text: lm.Text, SenderID: lm.SenderID, Timestamp: lm.At}
	if err := q.remote.UpdateChatLastMessage(lctx, msg.ChatID, doc); err != nil {
		q.logger.Warn("failed to update remote chat last message", zap.Error(err), zap.String("chat_id", msg.ChatID))
	}

	q.logger.Info("message sent", zap.String("msg_id", msg.ID), zap.Int("retry_count", msg.RetryCount))
	q.notify(&msg, store.StatusSent)
}

func (q *Queue) failed(ctx context.Context, msg store.Message, cause error) {
	retries := msg.RetryCount + 1
	if remote.IsPermanent(cause) {
		// Permanent failures are only retried by hand.
		retries = max(retries, q.cfg.MaxAttempts)
	}
	st := store.SendState{
		Status:      store.StatusFailed,
		RetryCount:  retries,
		LastRetryAt: q.now().UnixMilli(),
	}
	changed, err := q.db.UpdateSendState(ctx, msg.ID, st)
	if err != nil {
		q.logger.Error("failed to record send failure", zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}
	if !changed && msg.Status != store.StatusFailed {
		// The remote copy arrived and settled the row first.
		q.logger.Debug("send settled before failure was recorded", zap.Error(cause), zap.String("msg_id", msg.ID))
		return
	}
	q.logger.Warn("message send failed",
		zap.Error(cause),
		zap.String("msg_id", msg.ID),
		zap.Int("retry_count", retries),
		zap.Duration("next_backoff", Backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, retries)),
	)
	if changed {
		q.notify(&msg, store.StatusFailed)
	}
}

func (q *Queue) notify(msg *store.Message, s store.MessageStatus) {
	q.mu.Lock()
	fn := q.onStatus
	q.mu.Unlock()
	if fn != nil {
		fn(msg.ID, s)
	}
	q.bus.Emit(bus.KindMessageStatus, bus.MessageStatusChange{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		Status:    string(s),
	})
}

func (q *Queue) acquire(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[id]; busy {
		return false
	}
	q.inFlight[id] = struct{}{}
	return true
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
}

func (q *Queue) isInFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.inFlight[id]
	return busy
}

func previewText(m *store.Message) string {
	if m.Text != "" {
		return m.Text
	}
	if m.Media != nil {
		return "[media]"
	}
	return ""
}
