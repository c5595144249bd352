package daemon

import (
	"context"
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/matheus3301/yarsha/internal/auth"
	"github.com/matheus3301/yarsha/internal/backend"
	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/chat"
	"github.com/matheus3301/yarsha/internal/config"
	"github.com/matheus3301/yarsha/internal/control"
	"github.com/matheus3301/yarsha/internal/fetch"
	"github.com/matheus3301/yarsha/internal/lock"
	"github.com/matheus3301/yarsha/internal/logging"
	"github.com/matheus3301/yarsha/internal/metrics"
	"github.com/matheus3301/yarsha/internal/mutation"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/store"
	"github.com/matheus3301/yarsha/internal/stream"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"github.com/matheus3301/yarsha/internal/tracing"
	"github.com/matheus3301/yarsha/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Version is reported to the backend as the app version. Set at link time.
var Version = "dev"

const (
	sweepInterval = 30 * time.Second
	sweepMaxAge   = 2 * time.Minute
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.yarsha/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideClassifier,
			provideReconciler,
			provideCredentials,
			provideBackend,
			provideSource,
			provideOrchestrator,
			provideGateway,
			provideSweeper,
			provideStreams,
			provideChatService,
			provideControl,
			provideReconnector,
			NewMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Collectors {
	return metrics.New()
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

// provideStore depends on the lock so the database is never opened by two
// daemons at once.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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

func provideClassifier(cfg *config.Config) (*ysync.Classifier, error) {
	return ysync.NewClassifier(cfg.Sync.GIFPatterns)
}

func provideReconciler(db *store.DB, b *bus.Bus, m *metrics.Collectors, c *ysync.Classifier, logger *zap.Logger) *ysync.Reconciler {
	return ysync.NewReconciler(db, b, m, c, logging.Component(logger, "reconciler"))
}

func provideCredentials(p Params, cfg *config.Config) session.Provider {
	path := cfg.Auth.TokenFile
	if path == "" {
		path = session.TokenPath(p.SessionName)
	}
	return auth.NewFileProvider(path, session.DeviceInfo{
		ID:         cfg.Auth.DeviceID,
		Platform:   runtime.GOOS,
		AppVersion: Version,
	})
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (*backend.Client, error) {
	return backend.Dial(cfg.Backend, logging.Component(logger, "backend"))
}

// provideSource picks the live event transport.
func provideSource(cfg *config.Config, client *backend.Client, logger *zap.Logger) stream.Source {
	if cfg.Backend.StreamTransport == config.TransportWebsocket {
		return backend.NewSocketSource(cfg.Backend.SocketURL, logging.Component(logger, "socket"))
	}
	return client
}

func provideOrchestrator(cfg *config.Config, client *backend.Client, creds session.Provider, rec *ysync.Reconciler, db *store.DB, m *metrics.Collectors, logger *zap.Logger) *fetch.Orchestrator {
	return fetch.NewOrchestrator(client, creds, rec, db, m, logging.Component(logger, "fetch"), fetch.Options{
		ChatPageSize:    cfg.Sync.ChatPageSize,
		MessagePageSize: cfg.Sync.MessagePageSize,
	})
}

type gatewayParams struct {
	fx.In

	Config     *config.Config
	DB         *store.DB
	Reconciler *ysync.Reconciler
	Client     *backend.Client
	Creds      session.Provider
	Bus        *bus.Bus
	Metrics    *metrics.Collectors
	Classifier *ysync.Classifier
	Payer      mutation.Payer `optional:"true"`
	Logger     *zap.Logger
}

// provideGateway builds the mutation gateway. Payments stay disabled unless
// the embedding app supplies a mutation.Payer.
func provideGateway(p gatewayParams) (*mutation.Gateway, error) {
	opts, err := gatewayOptions(p.Config.Upload, p.Classifier, p.Payer, p.Logger)
	if err != nil {
		return nil, err
	}
	return mutation.NewGateway(p.DB, p.Reconciler, p.Client, p.Creds, p.Bus, p.Metrics, logging.Component(p.Logger, "mutation"), opts...), nil
}

func gatewayOptions(cfg config.Upload, c *ysync.Classifier, payer mutation.Payer, logger *zap.Logger) ([]mutation.Option, error) {
	opts := []mutation.Option{mutation.WithClassifier(c)}
	up, err := upload.New(cfg, logging.Component(logger, "upload"))
	switch {
	case err == nil:
		opts = append(opts, mutation.WithUploader(up))
	case errors.Is(err, upload.ErrDisabled):
		logger.Info("media uploads disabled")
	default:
		return nil, err
	}
	if payer != nil {
		opts = append(opts, mutation.WithPayer(payer))
	} else {
		logger.Info("payments disabled: no payer supplied")
	}
	return opts, nil
}

func provideSweeper(db *store.DB, rec *ysync.Reconciler, b *bus.Bus, logger *zap.Logger) *mutation.Sweeper {
	return mutation.NewSweeper(db, rec, b, logging.Component(logger, "sweeper"), sweepInterval, sweepMaxAge)
}

func provideStreams(src stream.Source, creds session.Provider, rec *ysync.Reconciler, b *bus.Bus, m *metrics.Collectors, logger *zap.Logger) *stream.Manager {
	return stream.NewManager(src, creds, rec, b, m, logging.Component(logger, "stream"))
}

func provideChatService(db *store.DB, orch *fetch.Orchestrator, gw *mutation.Gateway, streams *stream.Manager, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.New(db, orch, gw, streams, b, logging.Component(logger, "chat"))
}

func provideControl(p Params, db *store.DB, chats *chat.Service, orch *fetch.Orchestrator, gw *mutation.Gateway, streams *stream.Manager, logger *zap.Logger) *control.Server {
	return control.NewServer(p.SessionName, os.Getpid(), db, chats, orch, gw, streams, logging.Component(logger, "control"))
}

func provideReconnector(cfg *config.Config, streams *stream.Manager, b *bus.Bus, logger *zap.Logger) *Reconnector {
	return NewReconnector(streams, b, cfg.Sync.ReconnectDelay.Duration, logging.Component(logger, "reconnect"))
}

type lifecycleParams struct {
	fx.In

	Params      Params
	Config      *config.Config
	Server      *Server
	Metrics     *MetricsServer
	Lock        *lock.Lock
	DB          *store.DB
	Client      *backend.Client
	Chats       *chat.Service
	Fetcher     *fetch.Orchestrator
	Streams     *stream.Manager
	Sweeper     *mutation.Sweeper
	Reconnector *Reconnector
	Logger      *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	var (
		cancel   context.CancelFunc
		shutdown tracing.Shutdown
		done     = make(chan struct{})
	)
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = tracing.Setup(ctx, d.Config.Tracing, d.Params.SessionName)
			if err != nil {
				return err
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			d.Metrics.Start()
			d.Sweeper.Start(runCtx)
			d.Reconnector.Start(runCtx)

			go func() {
				defer close(done)
				if _, err := d.Streams.Open(runCtx, stream.ChatList, stream.Params{}); err != nil {
					logger.Error("chat list stream failed", zap.Error(err))
				}
				if _, err := d.Fetcher.FetchChatPage(runCtx, 1, 0); err != nil {
					logger.Warn("initial chat sync failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				<-done
			}
			d.Reconnector.Stop()
			d.Chats.Close()
			d.Sweeper.Stop()
			d.Server.Stop(ctx)
			d.Metrics.Stop(ctx)
			if shutdown != nil {
				if err := shutdown(ctx); err != nil {
					logger.Warn("tracing shutdown", zap.Error(err))
				}
			}
			if err := d.Client.Close(); err != nil {
				logger.Warn("error closing backend connection", zap.Error(err))
			}
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
