package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.chatsync/config.toml
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
			provideBackend,
			store.NewSnapshots,
			provideSessionHolder,
			provideRemote,
			provideReconciler,
			provideChannel,
			provideContacts,
			provideQueue,
			provideCoordinator,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	lc.Append(fx.StopHook(func() {
		if err := l.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
	}))
	return l, nil
}

// provideBackend opens the snapshot store. It takes the lock so that two
// daemons never open the same session's files.
func provideBackend(lc fx.Lifecycle, p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (store.Backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		dbPath := session.AppDBPath(p.SessionName)
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
		lc.Append(fx.StopHook(db.Close))
		logger.Info("store initialized", zap.String("backend", cfg.Store), zap.String("path", dbPath))
		return db, nil
	case config.StoreFile:
		fb, err := store.NewFileBackend(session.Dir(p.SessionName))
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("backend", cfg.Store), zap.String("path", fb.Dir()))
		return fb, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func provideSessionHolder(snaps *store.Snapshots) (*session.Holder, error) {
	return session.NewHolder(snaps)
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.New(cfg.ServerURL, nil, logger.Named("remote"))
}

func provideReconciler(snaps *store.Snapshots, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(snaps, logger)
}

func provideChannel(cfg *config.Config, holder *session.Holder, recon *intsync.Reconciler, b *bus.Bus, m *status.Machine, logger *zap.Logger) *realtime.Channel {
	rc := cfg.Realtime.Reconnect
	return realtime.New(realtime.Options{
		URL:          cfg.WSURL,
		KeepAlive:    cfg.Realtime.KeepAlive.Duration,
		Backoff:      realtime.NewBackoff(rc.Strategy, rc.Delay.Duration, rc.MaxDelay.Duration),
		Token:        holder.Token,
		LastReceived: recon.LastReceived,
	}, b, m, logger.Named("realtime"))
}

func provideContacts(lc fx.Lifecycle, snaps *store.Snapshots, cfg *config.Config, logger *zap.Logger) (*contacts.Cache, error) {
	var book contacts.AddressBook
	if cfg.AddressBook != "" {
		book = contacts.CSVAddressBook{Path: cfg.AddressBook}
	}
	cache := contacts.New(snaps, book, logger.Named("contacts"))
	if err := cache.Load(context.Background()); err != nil {
		cache.Close()
		return nil, err
	}
	lc.Append(fx.StopHook(cache.Close))
	return cache, nil
}

func provideQueue(snaps *store.Snapshots, b *bus.Bus, logger *zap.Logger) (*outbox.Queue, error) {
	return outbox.New(snaps, b, logger.Named("outbox"))
}

func provideCoordinator(holder *session.Holder, rc *remote.Client, ch *realtime.Channel, cache *contacts.Cache, q *outbox.Queue, recon *intsync.Reconciler, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.New(intsync.Deps{
		Session:    holder,
		Remote:     rc,
		Channel:    ch,
		Contacts:   cache,
		Queue:      q,
		Reconciler: recon,
		Bus:        b,
		Logger:     logger.Named("sync"),
	})
}

func provideControl(p Params, m *status.Machine, coord *intsync.Coordinator, holder *session.Holder, cache *contacts.Cache, q *outbox.Queue, b *bus.Bus) *api.Control {
	return api.NewControl(p.SessionName, m, coord, holder, cache, q, b)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, coord *intsync.Coordinator, holder *session.Holder, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// The coordinator connects the channel itself once a session exists.
			coord.Start(context.Background())
			if !holder.Authenticated() {
				logger.Info("no session found, signup or login required")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			coord.Stop()
			srv.Stop(ctx)
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
