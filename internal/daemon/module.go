package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/histcache/internal/api"
	"github.com/matheus3301/histcache/internal/bus"
	"github.com/matheus3301/histcache/internal/config"
	"github.com/matheus3301/histcache/internal/lock"
	"github.com/matheus3301/histcache/internal/logging"
	"github.com/matheus3301/histcache/internal/media"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/remote/httpsource"
	"github.com/matheus3301/histcache/internal/session"
	"github.com/matheus3301/histcache/internal/status"
	"github.com/matheus3301/histcache/internal/store"
	intsync "github.com/matheus3301/histcache/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// SocketPath and ConfigPath default to the session layout when empty.
	SocketPath  string
	ConfigPath  string
	// LogLevel applies when config.toml sets no log_level.
	LogLevel    zapcore.Level
	// Console mirrors log entries to stderr.
	Console     bool
	// Sources overrides the HTTP source factory, for tests.
	Sources     remote.Factory
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLevel,
			provideLogger,
			provideBus,
			provideTracker,
			provideLock,
			provideStore,
			provideCredentials,
			providePool,
			provideDownloader,
			lock.NewKeyed,
			provideOrchestrator,
			provideHistoryService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func configPath(p Params) string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return session.ConfigPath()
}

func provideConfig(p Params) (*config.Holder, error) {
	cfg, err := config.LoadOrDefault(configPath(p))
	if err != nil {
		return nil, err
	}
	return config.NewHolder(cfg), nil
}

func provideLevel(p Params, holder *config.Holder) zap.AtomicLevel {
	return zap.NewAtomicLevelAt(effectiveLevel(p, holder.Get()))
}

func effectiveLevel(p Params, cfg *config.Config) zapcore.Level {
	if cfg.LogLevel == "" {
		return p.LogLevel
	}
	return logging.ParseLevel(cfg.LogLevel)
}

func provideLogger(p Params, level zap.AtomicLevel) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Level:   level,
		Console: p.Console,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideTracker(b *bus.Bus) *status.Tracker {
	return status.NewTracker(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the session lock so only the lock holder opens cache.db.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("cache opened",
		zap.String("path", dbPath),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema", result.Version),
		zap.Bool("migrated", result.Changed()))
	return db, nil
}

func provideCredentials(p Params, holder *config.Holder) (config.Credentials, error) {
	return config.LoadCredentials(holder.Get(), session.EnvPath(p.SessionName))
}

func providePool(p Params, creds config.Credentials, holder *config.Holder, logger *zap.Logger) *remote.Pool {
	cfg := holder.Get()
	factory := p.Sources
	if factory == nil {
		factory = func(context.Context, string) (remote.Source, error) {
			return httpsource.New(creds.BaseURL, creds.Token, httpsource.WithPageSize(holder.Get().Remote.PageSize))
		}
	}
	return remote.NewPool(factory, cfg.Remote.IdleTTL.Duration, logger.Named("remote"))
}

func provideDownloader(p Params, holder *config.Holder, logger *zap.Logger) *media.Downloader {
	root := holder.Get().Media.OutputDir
	if root == "" {
		root = session.MediaDir(p.SessionName)
	}
	return media.NewDownloader(root, logger.Named("media"))
}

func provideOrchestrator(db *store.DB, pool *remote.Pool, dl *media.Downloader, locks *lock.Keyed, tracker *status.Tracker, b *bus.Bus, holder *config.Holder, logger *zap.Logger) *intsync.Orchestrator {
	options := func() intsync.Options { return holder.Get().SyncOptions() }
	return intsync.NewOrchestrator(db, pool, dl, locks, tracker, b, options, logger.Named("sync"))
}

func provideHistoryService(p Params, orch *intsync.Orchestrator, db *store.DB, tracker *status.Tracker, b *bus.Bus, holder *config.Holder, logger *zap.Logger) *api.HistoryService {
	settings := func() api.Settings {
		cfg := holder.Get()
		return api.Settings{ChunkSize: cfg.Stream.ChunkSize, Coverage: intsync.CoverageMode(cfg.Cache.Coverage)}
	}
	return api.NewHistoryService(p.SessionName, orch, db, tracker, b, settings, logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Params Params
	Server *Server
	Lock   *lock.Lock
	DB     *store.DB
	Pool   *remote.Pool
	Locks  *lock.Keyed
	Holder *config.Holder
	Bus    *bus.Bus
	Level  zap.AtomicLevel
	Logger *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := lp.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go lp.Pool.Run(ctx)

			go func() {
				onChange := func(cfg *config.Config) {
					lp.Level.SetLevel(effectiveLevel(lp.Params, cfg))
					lp.Bus.Publish(bus.Event{Kind: bus.KindConfigReloaded, Timestamp: time.Now()})
				}
				if err := config.Watch(ctx, configPath(lp.Params), lp.Holder, logger, onChange); err != nil {
					logger.Warn("config watcher stopped", zap.Error(err))
				}
			}()

			logger.Info("daemon started", zap.String("session", lp.Params.SessionName))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			lp.Locks.Close()
			lp.Server.Stop(stopCtx)
			if err := lp.Pool.Close(); err != nil {
				logger.Warn("error closing source pool", zap.Error(err))
			}
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
