package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/journal"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	// Dialer replaces the websocket dialer built from the config.
	Dialer transport.Dialer
	// QuietLog keeps the log off stderr.
	QuietLog bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLoop,
			provideLock,
			provideStore,
			provideJournal,
			provideEngine,
			provideSessionService,
			provideMessageService,
			provideConversationService,
			provideNotificationService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, logging.Options{
		Level:      cfg.Log.Level,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Quiet:      p.QuietLog,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLoop(logger *zap.Logger) *loop.Loop {
	return loop.New(nil, logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never share a database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideJournal(db *store.DB, b *bus.Bus, logger *zap.Logger) *journal.Journal {
	return journal.New(db, b, logger)
}

func tokenSource(cfg *config.Config) (auth.TokenSource, error) {
	if cfg.Server.Token != "" {
		return auth.StaticToken(cfg.Server.Token), nil
	}
	return auth.NewSigner(cfg.Server.Secret, cfg.Server.TokenTTL.Duration)
}

func provideEngine(p Params, cfg *config.Config, l *loop.Loop, b *bus.Bus, db *store.DB, j *journal.Journal, logger *zap.Logger) (*engine.Engine, error) {
	tokens, err := tokenSource(cfg)
	if err != nil {
		return nil, err
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = transport.NewWSDialer(cfg.Server.URL)
	}
	e, err := engine.New(engine.Deps{
		Loop:     l,
		Dialer:   dialer,
		Tokens:   tokens,
		Bus:      b,
		Settings: db,
		History:  j,
		Logger:   logger,
	}, cfg.EngineOptions())
	if err != nil {
		return nil, err
	}

	counts, err := j.UnreadCounts()
	if err != nil {
		logger.Warn("could not restore unread counts", zap.Error(err))
	} else if len(counts) > 0 {
		e.SeedUnread(counts)
	}
	return e, nil
}

func provideSessionService(p Params, cfg *config.Config, e *engine.Engine, db *store.DB, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.ProfileName, cfg.Server.Identity, e, db, logger)
}

func provideMessageService(e *engine.Engine, db *store.DB) *api.MessageService {
	return api.NewMessageService(e, db)
}

func provideConversationService(e *engine.Engine, db *store.DB) *api.ConversationService {
	return api.NewConversationService(e, db)
}

func provideNotificationService(e *engine.Engine) *api.NotificationService {
	return api.NewNotificationService(e)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, l *loop.Loop, j *journal.Journal, e *engine.Engine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			l.Start()
			// The journal subscribes before the engine can publish anything.
			j.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if id := cfg.Server.Identity; id != "" {
				logger.Info("auto-connecting", zap.String("identity", id))
				if err := e.Connect(id); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			} else {
				logger.Info("no identity configured, waiting for connect")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if err := e.Close(); err != nil {
				logger.Warn("error closing engine", zap.Error(err))
			}
			l.Stop()
			j.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
