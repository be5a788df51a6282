// Package daemon wires the sync core into a long-running per-account
// process serving the local gRPC API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/relay/internal/account"
	"github.com/matheus3301/relay/internal/api"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/fetch"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/logging"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/outbox"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/profile"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/remote/wsremote"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/store"
	intsync "github.com/matheus3301/relay/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// connectGrace is how long the daemon waits for the first remote link
// before reporting itself offline.
const connectGrace = 15 * time.Second

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default

	// Config replaces the config file and environment when set.
	Config *config.Config
	// Remote replaces the websocket remote store when set. It is treated
	// as connected from start.
	Remote remote.Store
}

// link is the remote store together with its connection loop. run is nil
// for a supplied store.
type link struct {
	store     remote.Store
	run       func(ctx context.Context) error
	connected func() bool
	close     func() error
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideLink,
			provideRemote,
			providePresence,
			provideDownloader,
			provideMediaCache,
			provideProfileCache,
			provideQueue,
			provideCoordinator,
			provideMessageService,
			provideChatService,
			provideProfileService,
			provideMediaService,
			provideStatusService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	cfg, err := config.LoadOrDefault(account.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(account.EnvPath()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account, logging.ParseLevel(cfg.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account), p.Account)
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore depends on the lock so a second daemon never opens the
// database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
	db, result, err := store.OpenAndMigrate(dbPath, logger)
	if err != nil {
		return nil, err
	}
	switch {
	case result.Rebuilt:
		logger.Warn("store rebuilt", zap.Uint("version", result.Version))
	case result.Changed:
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	default:
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideLink(p Params, cfg *config.Config, machine *status.Machine, logger *zap.Logger) *link {
	if p.Remote != nil {
		return &link{
			store:     p.Remote,
			connected: func() bool { return true },
			close:     func() error { return nil },
		}
	}
	client := wsremote.New(wsremote.Config{
		URL:            cfg.Remote.URL,
		Token:          cfg.Remote.Token,
		RequestTimeout: cfg.Outbox.WriteTimeout.Duration,
		OnConnectivity: func(online bool) {
			var err error
			if online {
				err = machine.GoOnline()
			} else {
				err = machine.GoOffline()
			}
			if err != nil {
				logger.Warn("connectivity transition rejected", zap.Bool("online", online), zap.Error(err))
			}
		},
	}, logger.Named("remote"))
	return &link{store: client, run: client.Run, connected: client.Connected, close: client.Close}
}

func provideRemote(l *link) remote.Store {
	return l.store
}

func providePresence(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Client {
	return presence.New(presence.Config{
		URL:       cfg.Presence.URL,
		Token:     cfg.Remote.Token,
		UserID:    cfg.UserID,
		Heartbeat: cfg.Presence.Heartbeat.Duration,
	}, b, logger.Named("presence"))
}

func provideDownloader(logger *zap.Logger) *fetch.Downloader {
	return fetch.New(logger.Named("fetch"))
}

func provideMediaCache(p Params, cfg *config.Config, db *store.DB, dl *fetch.Downloader, logger *zap.Logger) *media.Cache {
	return media.New(db, dl, logger.Named("media"), media.Config{
		Dir:      account.MediaDir(p.Account),
		MaxBytes: cfg.Cache.MediaMaxBytes,
		LowWater: cfg.Cache.MediaLowWater,
	})
}

func provideProfileCache(p Params, cfg *config.Config, db *store.DB, rs remote.Store, dl *fetch.Downloader, b *bus.Bus, logger *zap.Logger) *profile.Cache {
	return profile.New(db, rs, dl, b, logger.Named("profile"), profile.Config{
		AvatarDir: account.AvatarDir(p.Account),
		MemoryTTL: cfg.Cache.ProfileMemoryTTL.Duration,
		StoreTTL:  cfg.Cache.ProfileStoreTTL.Duration,
	})
}

func provideQueue(cfg *config.Config, db *store.DB, rs remote.Store, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, rs, machine, b, logger.Named("outbox"), outbox.Config{
		BaseDelay:     cfg.Outbox.BaseDelay.Duration,
		MaxDelay:      cfg.Outbox.MaxDelay.Duration,
		MaxAttempts:   cfg.Outbox.MaxAttempts,
		WriteTimeout:  cfg.Outbox.WriteTimeout.Duration,
		RetryInterval: cfg.Outbox.RetryInterval.Duration,
	})
}

func provideCoordinator(cfg *config.Config, db *store.DB, rs remote.Store, mc *media.Cache, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	c := intsync.New(db, rs, b, logger.Named("sync"), intsync.Config{
		UserID: cfg.UserID,
		Window: cfg.Sync.Window,
	})
	c.SetMediaCache(mc)
	return c
}

func provideMessageService(cfg *config.Config, db *store.DB, q *outbox.Queue, b *bus.Bus) *api.MessageService {
	return api.NewMessageService(db, q, b, cfg.UserID)
}

func provideChatService(db *store.DB, c *intsync.Coordinator, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(db, c, logger.Named("api"))
}

func provideProfileService(pc *profile.Cache) *api.ProfileService {
	return api.NewProfileService(pc)
}

func provideMediaService(mc *media.Cache) *api.MediaService {
	return api.NewMediaService(mc)
}

func provideStatusService(p Params, cfg *config.Config, m *status.Machine, db *store.DB, pc *presence.Client) *api.StatusService {
	return api.NewStatusService(p.Account, cfg.UserID, m, db, pc)
}

type lifecycleDeps struct {
	fx.In

	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Link     *link
	Presence *presence.Client
	Profiles *profile.Cache
	Queue    *outbox.Queue
	Sync     *intsync.Coordinator
	Machine  *status.Machine
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := d.Machine.Transition(status.Connecting); err != nil {
				return err
			}
			if d.Link.run != nil {
				go func() {
					if err := d.Link.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("remote link stopped", zap.Error(err))
					}
				}()
				go awaitLink(runCtx, d.Machine, d.Link.connected, logger)
			} else if err := d.Machine.GoOnline(); err != nil {
				return err
			}

			if d.Config.Presence.URL != "" {
				go func() {
					if err := d.Presence.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("presence link stopped", zap.Error(err))
					}
				}()
			}
			if err := d.Presence.SetOnline(ctx); err != nil {
				logger.Warn("failed to announce presence", zap.Error(err))
			}

			if err := d.Sync.StartChatSync(runCtx); err != nil {
				return err
			}
			d.Queue.Start(runCtx)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			d.Queue.Stop()
			d.Sync.Stop()
			if err := d.Presence.SetOffline(ctx); err != nil {
				logger.Warn("failed to clear presence", zap.Error(err))
			}
			cancel()
			if err := d.Link.close(); err != nil {
				logger.Debug("remote close", zap.Error(err))
			}
			d.Queue.Wait()
			d.Profiles.Wait()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// awaitLink reports the daemon offline when the first remote link does not
// come up within connectGrace.
func awaitLink(ctx context.Context, m *status.Machine, connected func() bool, logger *zap.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(connectGrace):
	}
	if connected() || m.Current() != status.Connecting {
		return
	}
	logger.Warn("remote store unreachable, running offline")
	if err := m.GoOffline(); err != nil {
		logger.Warn("offline transition rejected", zap.Error(err))
	}
}
