package sync

import (
	"context"
	"strconv"

	"github.com/matheus3301/relay/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages per-chat sync watermarks: the createdAt of the newest
// remote message applied to the store.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

func watermarkKey(chatID string) string {
	return "watermark:" + chatID
}

// Watermark returns the stored watermark of a chat, 0 when none.
func (r *Reconciler) Watermark(ctx context.Context, chatID string) (int64, error) {
	v, err := r.db.GetSyncState(ctx, watermarkKey(chatID))
	if err != nil || v == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("corrupt watermark, resetting", zap.String("chat_id", chatID), zap.String("value", v))
		return 0, nil
	}
	return ts, nil
}

// Advance moves the watermark of a chat forward to ts. Older values are ignored.
func (r *Reconciler) Advance(ctx context.Context, chatID string, ts int64) error {
	cur, err := r.Watermark(ctx, chatID)
	if err != nil {
		return err
	}
	if ts <= cur {
		return nil
	}
	return r.db.SetSyncState(ctx, watermarkKey(chatID), strconv.FormatInt(ts, 10))
}

// Behind reports whether a chat's remote last message is newer than what
// was applied locally.
func (r *Reconciler) Behind(ctx context.Context, chatID string, remoteLastAt int64) (bool, error) {
	cur, err := r.Watermark(ctx, chatID)
	if err != nil {
		return false, err
	}
	return remoteLastAt > cur, nil
}
