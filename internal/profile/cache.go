// Package profile caches user profiles in memory and in the local store,
// falling back to the remote store on a miss.
package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/fetch"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Default tier lifetimes.
const (
	DefaultMemoryTTL = 5 * time.Minute
	DefaultStoreTTL  = 24 * time.Hour
)

const (
	fetchTimeout = 10 * time.Second
	batchLimit   = 8
)

// UserSource loads profiles from the remote store.
type UserSource interface {
	GetUser(ctx context.Context, userID string) (*remote.UserDoc, error)
}

// Config configures a Cache.
type Config struct {
	AvatarDir string
	MemoryTTL time.Duration
	StoreTTL  time.Duration
}

type entry struct {
	profile  store.Profile
	cachedAt time.Time
}

// Cache is a three-tier profile cache: memory, then the local store, then
// the remote store.
type Cache struct {
	db     *store.DB
	users  UserSource
	dl     *fetch.Downloader
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	mu  sync.RWMutex
	mem map[string]entry

	group singleflight.Group
	wg    sync.WaitGroup
}

// New creates a profile cache.
func New(db *store.DB, users UserSource, dl *fetch.Downloader, b *bus.Bus, logger *zap.Logger, cfg Config) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dl == nil {
		dl = fetch.New(logger)
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = DefaultMemoryTTL
	}
	if cfg.StoreTTL <= 0 {
		cfg.StoreTTL = DefaultStoreTTL
	}
	return &Cache{
		db:     db,
		users:  users,
		dl:     dl,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		mem:    make(map[string]entry),
	}
}

// GetProfile returns the profile of userID. Concurrent requests for the
// same id share one lookup.
func (c *Cache) GetProfile(ctx context.Context, userID string) (*store.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("profile: empty user id")
	}
	if p, ok := c.memory(ctx, userID); ok {
		return p, nil
	}
	v, err, _ := c.group.Do(userID, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), userID)
	})
	if err != nil {
		return nil, err
	}
	p := v.(store.Profile)
	return &p, nil
}

// GetProfiles returns the profiles of ids that could be resolved. Memory
// hits are answered directly and misses are fetched in parallel; a failed
// lookup leaves its id out of the result.
func (c *Cache) GetProfiles(ctx context.Context, ids []string) (map[string]*store.Profile, error) {
	out := make(map[string]*store.Profile, len(ids))
	var (
		mu     sync.Mutex
		misses []string
	)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := c.memory(ctx, id); ok {
			out[id] = p
			continue
		}
		misses = append(misses, id)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLimit)
	for _, id := range misses {
		id := id
		g.Go(func() error {
			p, err := c.GetProfile(gctx, id)
			if err != nil {
				c.logger.Debug("profile lookup failed", zap.String("user_id", id), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[id] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// Put stores p in both local tiers, as if it had just been fetched.
func (c *Cache) Put(ctx context.Context, p *store.Profile) error {
	cp := *p
	cp.CachedAt = c.now().UnixMilli()
	if err := c.db.UpsertProfile(ctx, &cp); err != nil {
		return fmt.Errorf("store profile %s: %w", p.UserID, err)
	}
	c.remember(cp)
	c.fetchAvatar(ctx, cp)
	return nil
}

// Invalidate drops userID from both local tiers. With deleteAvatar the
// downloaded avatar file is removed too.
func (c *Cache) Invalidate(ctx context.Context, userID string, deleteAvatar bool) error {
	c.mu.Lock()
	delete(c.mem, userID)
	c.mu.Unlock()
	if deleteAvatar {
		p, err := c.db.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		if p != nil && p.AvatarLocalPath != "" {
			if err := os.Remove(p.AvatarLocalPath); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("failed to remove avatar", zap.String("path", p.AvatarLocalPath), zap.Error(err))
			}
		}
	}
	return c.db.DeleteProfile(ctx, userID)
}

// InvalidateAll empties both local tiers. With deleteAvatars every
// downloaded avatar is removed too.
func (c *Cache) InvalidateAll(ctx context.Context, deleteAvatars bool) error {
	c.mu.Lock()
	c.mem = make(map[string]entry)
	c.mu.Unlock()
	if deleteAvatars && c.cfg.AvatarDir != "" {
		entries, err := os.ReadDir(c.cfg.AvatarDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		for _, e := range entries {
			_ = os.Remove(filepath.Join(c.cfg.AvatarDir, e.Name()))
		}
	}
	return c.db.DeleteAllProfiles(ctx)
}

// Wait blocks until background avatar downloads finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// memory returns a fresh memory entry. An entry whose avatar is still
// missing picks up a path the store may have recorded since.
func (c *Cache) memory(ctx context.Context, userID string) (*store.Profile, bool) {
	c.mu.RLock()
	e, ok := c.mem[userID]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.cachedAt) >= c.cfg.MemoryTTL {
		return nil, false
	}
	p := e.profile
	if p.AvatarURL != "" && p.AvatarLocalPath == "" {
		if stored, err := c.db.GetProfile(ctx, userID); err == nil && stored != nil &&
			stored.AvatarURL == p.AvatarURL && stored.AvatarLocalPath != "" {
			p.AvatarLocalPath = stored.AvatarLocalPath
			c.setAvatarPath(userID, p.AvatarURL, p.AvatarLocalPath)
		}
	}
	return &p, true
}

func (c *Cache) load(ctx context.Context, userID string) (store.Profile, error) {
	stored, err := c.db.GetProfile(ctx, userID)
	if err != nil {
		c.logger.Warn("profile store lookup failed", zap.String("user_id", userID), zap.Error(err))
	}
	if stored != nil && c.now().Sub(time.UnixMilli(stored.CachedAt)) < c.cfg.StoreTTL {
		c.remember(*stored)
		c.fetchAvatar(ctx, *stored)
		return *stored, nil
	}

	if c.users == nil {
		return store.Profile{}, fmt.Errorf("profile %s: %w", userID, remote.ErrOffline)
	}
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	doc, err := c.users.GetUser(fctx, userID)
	if err != nil {
		if stored != nil && remote.IsBenign(err) {
			c.logger.Debug("serving stale profile", zap.String("user_id", userID), zap.Error(err))
			c.remember(*stored)
			return *stored, nil
		}
		return store.Profile{}, fmt.Errorf("fetch profile %s: %w", userID, err)
	}

	p := doc.ToProfile()
	p.CachedAt = c.now().UnixMilli()
	if stored != nil && stored.AvatarURL == p.AvatarURL {
		p.AvatarLocalPath = stored.AvatarLocalPath
	}
	if err := c.db.UpsertProfile(ctx, &p); err != nil {
		c.logger.Warn("failed to store profile", zap.String("user_id", userID), zap.Error(err))
	}
	c.remember(p)
	c.bus.Emit(bus.KindProfileUpdated, bus.ProfileUpdated{UserID: userID})
	c.fetchAvatar(ctx, p)
	return p, nil
}

func (c *Cache) remember(p store.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[p.UserID] = entry{profile: p, cachedAt: c.now()}
}

func (c *Cache) setAvatarPath(userID, avatarURL, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.mem[userID]; ok && e.profile.AvatarURL == avatarURL {
		e.profile.AvatarLocalPath = path
		c.mem[userID] = e
	}
}

// fetchAvatar downloads a missing avatar in the background and records
// its path in both tiers. Users sharing an avatar URL share one download,
// and each records the file for itself.
func (c *Cache) fetchAvatar(ctx context.Context, p store.Profile) {
	if p.AvatarURL == "" || p.AvatarLocalPath != "" || c.cfg.AvatarDir == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		v, err, _ := c.group.Do("avatar:"+p.AvatarURL, func() (any, error) {
			dst := filepath.Join(c.cfg.AvatarDir, media.Key(p.AvatarURL)+media.Extension("", p.AvatarURL))
			if _, err := c.dl.Download(ctx, p.AvatarURL, dst); err != nil {
				return nil, err
			}
			return dst, nil
		})
		if err != nil {
			c.logger.Debug("avatar download failed", zap.String("user_id", p.UserID), zap.Error(err))
			return
		}
		dst := v.(string)
		if err := c.db.SetAvatarLocalPath(ctx, p.UserID, p.AvatarURL, dst); err != nil {
			c.logger.Warn("failed to record avatar", zap.String("user_id", p.UserID), zap.Error(err))
			return
		}
		c.setAvatarPath(p.UserID, p.AvatarURL, dst)
		c.bus.Emit(bus.KindProfileUpdated, bus.ProfileUpdated{UserID: p.UserID})
	}()
}
