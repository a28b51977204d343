// Package daemon composes the sync daemon out of its components and owns
// their lifecycle.
package daemon

import (
	"context"
	"time"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/call"
	"github.com/bridgechat/bridge/internal/config"
	"github.com/bridgechat/bridge/internal/lock"
	"github.com/bridgechat/bridge/internal/logging"
	"github.com/bridgechat/bridge/internal/rest"
	"github.com/bridgechat/bridge/internal/session"
	"github.com/bridgechat/bridge/internal/status"
	"github.com/bridgechat/bridge/internal/store"
	intsync "github.com/bridgechat/bridge/internal/sync"
	"github.com/bridgechat/bridge/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
// Peers and Devices carry the media stack of the embedding application; they
// may be nil for a daemon that never places calls.
type Params struct {
	SessionName string
	Peers       call.PeerFactory
	Devices     call.MediaDevices
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
			provideDriver,
			provideLock,
			provideStore,
			provideRestClient,
			provideSocket,
			provideSyncEngine,
			provideCallSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideDriver(m *status.Machine, b *bus.Bus, logger *zap.Logger) *status.Driver {
	return status.NewDriver(m, b, logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
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

func provideRestClient(cfg *config.Config, logger *zap.Logger) (*rest.Client, error) {
	return rest.New(cfg.ServerURL, logger)
}

// refresher bridges the REST client's token refresh to the transport.
type refresher struct {
	client *rest.Client
}

func (r refresher) Refresh(ctx context.Context) error {
	return r.client.RefreshToken(ctx)
}

func provideSocket(cfg *config.Config, b *bus.Bus, client *rest.Client, logger *zap.Logger) *transport.Socket {
	return transport.New(cfg.SocketURL, b, refresher{client}, logger, transport.Options{
		PingInterval:   cfg.Transport.PingInterval.Value(),
		PongTimeout:    cfg.Transport.PongTimeout.Value(),
		ReconnectDelay: cfg.Transport.ReconnectDelay.Value(),
	})
}

func provideSyncEngine(db *store.DB, client *rest.Client, sock *transport.Socket, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, sock, b, cfg.UserID, logger)
}

func provideCallSession(p Params, db *store.DB, sock *transport.Socket, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *call.Session {
	s := call.NewSession(db, sock, b, p.Peers, p.Devices, cfg.UserID, logger)
	if d := cfg.Call.RingTimeout.Value(); d > 0 {
		s.SetRingTimeout(d)
	}
	return s
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, sock *transport.Socket, client *rest.Client, engine *intsync.Engine, calls *call.Session, driver *status.Driver, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx, c := context.WithCancel(context.Background())
			cancel = c

			driver.Start(ctx)
			engine.Start(ctx)
			calls.Start(ctx)

			// Every (re)connect triggers a catch-up; the transport keeps
			// retrying on its own, so a failed first dial is not fatal.
			go runCatchUp(ctx, b, engine, calls, client, logger)

			go func() {
				if err := sock.Connect(); err != nil {
					logger.Warn("initial connect failed, retrying in background", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			sock.Close()
			calls.Stop()
			engine.Stop()
			driver.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// runCatchUp waits for the socket to open and then reconciles the local
// cache, once per connection.
func runCatchUp(ctx context.Context, b *bus.Bus, engine *intsync.Engine, calls *call.Session, client *rest.Client, logger *zap.Logger) {
	ch, unsub := b.SubscribeKinds(16, transport.EventConnState)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			st, ok := evt.Payload.(transport.State)
			if !ok || st != transport.Open {
				continue
			}
			runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if err := engine.CatchUp(runCtx); err != nil {
				logger.Error("catch-up failed", zap.Error(err))
			}
			if err := calls.SyncCallLog(runCtx, client); err != nil {
				logger.Error("call-log sync failed", zap.Error(err))
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
