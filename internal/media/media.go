// Package media keeps a size-bounded local copy of message attachments.
package media

import (
	"context"
	"encoding/hex"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/fetch"
	"github.com/matheus3301/relay/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxBytes is the cache size that triggers eviction.
	DefaultMaxBytes int64 = 100 << 20
	// DefaultLowWater is the fraction of MaxBytes eviction shrinks the cache to.
	DefaultLowWater = 0.7
)

// Config configures a Cache.
type Config struct {
	Dir      string
	MaxBytes int64
	LowWater float64
}

// Cache stores downloaded media under Dir, keyed by a hash of the source
// URL, and tracks each file in the store's media_files table.
type Cache struct {
	db     *store.DB
	dl     *fetch.Downloader
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	// evictMu serializes eviction with new insertions.
	evictMu sync.Mutex
	group   singleflight.Group
}

// New creates a media cache.
func New(db *store.DB, dl *fetch.Downloader, logger *zap.Logger, cfg Config) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dl == nil {
		dl = fetch.New(logger)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.LowWater <= 0 || cfg.LowWater >= 1 {
		cfg.LowWater = DefaultLowWater
	}
	return &Cache{db: db, dl: dl, logger: logger, cfg: cfg, now: time.Now}
}

// Key returns the cache key of a source URL.
func Key(sourceURL string) string {
	sum := blake2b.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}

var knownExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"audio/aac":       ".aac",
	"application/pdf": ".pdf",
}

// Extension picks a file extension from the MIME type, then from the URL
// path, falling back to .bin.
func Extension(mimeType, sourceURL string) string {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	if ext, ok := knownExtensions[base]; ok {
		return ext
	}
	if base != "" {
		if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if len(ext) > 1 && len(ext) <= 6 && isAlnum(ext[1:]) {
			return ext
		}
	}
	return ".bin"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// CacheMedia returns the local path of sourceURL, downloading it when it is
// not cached yet. Failures are logged and reported as ("", false).
func (c *Cache) CacheMedia(ctx context.Context, sourceURL, mimeType string) (string, bool) {
	if sourceURL == "" {
		return "", false
	}
	key := Key(sourceURL)
	// The download is shared by every caller of key, so it outlives the
	// first caller's ctx.
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.cache(context.WithoutCancel(ctx), key, sourceURL, mimeType)
	})
	if err != nil {
		c.logger.Warn("media cache failed", zap.String("url", sourceURL), zap.Error(err))
		return "", false
	}
	return v.(string), true
}

func (c *Cache) cache(ctx context.Context, key, sourceURL, mimeType string) (string, error) {
	if p, ok := c.lookup(ctx, key); ok {
		return p, nil
	}
	if err := c.evict(ctx); err != nil {
		c.logger.Warn("media eviction failed", zap.Error(err))
	}

	dst := filepath.Join(c.cfg.Dir, key+Extension(mimeType, sourceURL))
	n, err := c.dl.Download(ctx, sourceURL, dst)
	if err != nil {
		return "", err
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	f := &store.MediaFile{
		Key:        key,
		SourceURL:  sourceURL,
		MIME:       mimeType,
		LocalPath:  dst,
		Size:       n,
		LastAccess: c.now().UnixMilli(),
	}
	if err := c.db.PutMediaFile(ctx, f); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("record media file: %w", err)
	}
	return dst, nil
}

// lookup returns the recorded file for key and bumps its access time. A
// row whose file disappeared is dropped.
func (c *Cache) lookup(ctx context.Context, key string) (string, bool) {
	f, err := c.db.GetMediaFile(ctx, key)
	if err != nil || f == nil {
		return "", false
	}
	if _, err := os.Stat(f.LocalPath); err != nil {
		_ = c.db.DeleteMediaFile(ctx, key)
		return "", false
	}
	if err := c.db.TouchMediaFile(ctx, key, c.now().UnixMilli()); err != nil {
		c.logger.Debug("failed to touch media file", zap.String("key", key), zap.Error(err))
	}
	return f.LocalPath, true
}

// GetCachedMediaPath returns the local path of sourceURL without
// downloading anything.
func (c *Cache) GetCachedMediaPath(ctx context.Context, sourceURL string) (string, bool) {
	if sourceURL == "" {
		return "", false
	}
	return c.lookup(ctx, Key(sourceURL))
}

// Size returns the total size of the cached files.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	return c.db.MediaTotalSize(ctx)
}

// Clear deletes every cached file and record.
func (c *Cache) Clear(ctx context.Context) error {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	files, err := c.db.ListMediaFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove media file", zap.String("path", f.LocalPath), zap.Error(err))
		}
	}
	return c.db.DeleteAllMediaFiles(ctx)
}

// evict removes the least recently accessed files once the cache exceeds
// MaxBytes, until it is at or below LowWater of MaxBytes.
func (c *Cache) evict(ctx context.Context) error {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	total, err := c.db.MediaTotalSize(ctx)
	if err != nil {
		return err
	}
	if total <= c.cfg.MaxBytes {
		return nil
	}
	target := int64(float64(c.cfg.MaxBytes) * c.cfg.LowWater)
	files, err := c.db.ListMediaFiles(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for _, f := range files {
		if total <= target {
			break
		}
		if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove media file", zap.String("path", f.LocalPath), zap.Error(err))
			continue
		}
		if err := c.db.DeleteMediaFile(ctx, f.Key); err != nil {
			return err
		}
		total -= f.Size
		removed++
	}
	c.logger.Info("media cache evicted", zap.Int("files", removed), zap.Int64("bytes", total))
	return nil
}
