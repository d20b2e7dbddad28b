// Package daemon composes the session daemon: one process per session
// owning the durable cache, the socket transport, and the reconciler.
package daemon

import (
	"context"

	"github.com/lumechat/lume/internal/api"
	"github.com/lumechat/lume/internal/bus"
	"github.com/lumechat/lume/internal/config"
	"github.com/lumechat/lume/internal/lock"
	"github.com/lumechat/lume/internal/logging"
	"github.com/lumechat/lume/internal/mediacache"
	"github.com/lumechat/lume/internal/outbox"
	"github.com/lumechat/lume/internal/presence"
	"github.com/lumechat/lume/internal/session"
	"github.com/lumechat/lume/internal/status"
	"github.com/lumechat/lume/internal/store"
	intsync "github.com/lumechat/lume/internal/sync"
	"github.com/lumechat/lume/internal/transport"
	"github.com/lumechat/lume/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAPIClient,
			providePresence,
			provideTyping,
			provideTransport,
			provideReconciler,
			provideSender,
			provideUploader,
			provideMediaCache,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAPIClient(p Params, cfg *config.Config, logger *zap.Logger) *api.Client {
	return api.New(cfg.ServerURL, func() string {
		return session.LoadToken(p.SessionName)
	}, logger)
}

func providePresence() *presence.Tracker {
	return presence.NewTracker()
}

func provideTyping() *presence.TypingRegistry {
	return presence.NewTypingRegistry(presence.DefaultTypingTTL)
}

func provideTransport(p Params, cfg *config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.Client {
	return transport.New(cfg.SocketURL, cfg.Transport, func() string {
		return session.LoadToken(p.SessionName)
	}, b, machine, logger)
}

func provideReconciler(db *store.DB, b *bus.Bus, client *api.Client, tracker *presence.Tracker, typing *presence.TypingRegistry, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, client, tracker, typing, logger)
}

func provideSender(db *store.DB, client *api.Client, rec *intsync.Reconciler, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, rec, logger)
}

func provideUploader(db *store.DB, client *api.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *upload.Uploader {
	return upload.NewUploader(db, client, cfg.Upload, b, logger)
}

func provideMediaCache(p Params, db *store.DB, client *api.Client, cfg *config.Config, logger *zap.Logger) *mediacache.Cache {
	return mediacache.New(session.MediaDir(p.SessionName), db, client, cfg.Media, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, rec *intsync.Reconciler, sender *outbox.Sender, conn *transport.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The reconciler must be subscribed before the socket can
			// deliver its first event.
			if err := rec.Start(); err != nil {
				return err
			}
			sender.Start(context.Background())
			conn.Connect()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			conn.Disconnect()
			sender.Stop()
			rec.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
