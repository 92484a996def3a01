// Package daemon composes the synchronization engine and its collaborators
// into one fx application per session.
package daemon

import (
	"context"
	"os"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/config"
	"github.com/voxmeet/chatsync/internal/history"
	"github.com/voxmeet/chatsync/internal/logging"
	"github.com/voxmeet/chatsync/internal/observability"
	"github.com/voxmeet/chatsync/internal/outbox"
	"github.com/voxmeet/chatsync/internal/presence"
	"github.com/voxmeet/chatsync/internal/rt"
	"github.com/voxmeet/chatsync/internal/session"
	"github.com/voxmeet/chatsync/internal/status"
	"github.com/voxmeet/chatsync/internal/store"
	intsync "github.com/voxmeet/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideChannel,
			provideStatusTracker,
			providePresenceTracker,
			provideSender,
			provideHistory,
			provideReconciler,
			provideEngine,
			NewService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*session.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	lockPath := session.LockPath(p.SessionName)
	logger.Info("acquiring session lock",
		zap.String("session", p.SessionName),
		zap.String("lock", lockPath))
	l, err := session.AcquireLock(lockPath)
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

func provideChannel(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *rt.Client {
	handler := rt.NewEventHandler(b, logger)
	return rt.NewClient(cfg.Server.ChannelURL, cfg.Server.Token, handler, logger)
}

func provideStatusTracker(cfg *config.Config, db *store.DB, b *bus.Bus, channel *rt.Client, logger *zap.Logger) *status.Tracker {
	return status.NewTracker(db, b, channel, cfg.Account.UserID, logger)
}

func providePresenceTracker(cfg *config.Config, b *bus.Bus, channel *rt.Client, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, channel, cfg.Timing.TypingTTL.Std(), logger)
}

func provideSender(cfg *config.Config, db *store.DB, channel *rt.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, channel, b, cfg.Account.UserID, cfg.Account.DisplayName,
		cfg.Timing.SendDeadline.Std(), logger)
}

func provideHistory(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *history.Controller {
	fetcher := history.NewHTTPFetcher(cfg.Server.APIURL, cfg.Server.Token, cfg.Account.UserID)
	return history.NewController(db, fetcher, b, cfg.History.PageSize, logger)
}

func provideReconciler(cfg *config.Config, db *store.DB, b *bus.Bus, tracker *status.Tracker, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, tracker, cfg.Timing, cfg.Account.UserID, logger)
}

func provideEngine(db *store.DB, b *bus.Bus, rec *intsync.Reconciler, tracker *status.Tracker,
	pres *presence.Tracker, sender *outbox.Sender, hist *history.Controller, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, rec, tracker, pres, sender, hist, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, lk *session.Lock, channel *rt.Client,
	engine *intsync.Engine, sender *outbox.Sender, pres *presence.Tracker, svc *Service, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes before the channel dials so no event
			// published during connect is lost.
			engine.Start(context.Background())
			sender.Start(context.Background())
			pres.Start(context.Background())
			channel.Start(context.Background())

			if addr := cfg.Observability.MetricsAddr; addr != "" {
				go func() {
					if err := observability.Serve(addr, logger); err != nil {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			logger.Info("daemon started",
				zap.String("channel_url", cfg.Server.ChannelURL),
				zap.Duration("send_deadline", cfg.Timing.SendDeadline.Std()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			channel.Stop()
			pres.Stop()
			sender.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
