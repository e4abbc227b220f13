// Package daemon composes the whole service with fx: configuration,
// logging, the single-instance lock, storage, the session supervisor, the
// ingestion pipeline, the outbox sender, the websocket hub and the REST
// API, with lifecycle hooks tying startup and shutdown together.
package daemon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/bus"
	"github.com/facilitys/backwhatsapp-baileys/internal/config"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/httpapi"
	"github.com/facilitys/backwhatsapp-baileys/internal/ingest"
	"github.com/facilitys/backwhatsapp-baileys/internal/lock"
	"github.com/facilitys/backwhatsapp-baileys/internal/logging"
	"github.com/facilitys/backwhatsapp-baileys/internal/media"
	"github.com/facilitys/backwhatsapp-baileys/internal/outbox"
	"github.com/facilitys/backwhatsapp-baileys/internal/registry"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
	"github.com/facilitys/backwhatsapp-baileys/internal/supervisor"
	"github.com/facilitys/backwhatsapp-baileys/internal/wa"
	"github.com/facilitys/backwhatsapp-baileys/internal/ws"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	DataDir string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideResolver,
			provideDialer,
			providePipeline,
			provideSupervisor,
			provideSender,
			provideHub,
			provideAPIServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := filepath.Join(p.DataDir, "config.toml")
	if _, err := os.Stat(path); err != nil {
		cfg := config.Default(p.DataDir)
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideRegistry() *registry.Registry {
	return registry.New()
}

func provideResolver(cfg *config.Config, logger *zap.Logger) (*media.Resolver, error) {
	return media.NewResolver(cfg.UploadDir, logger)
}

func provideDialer(cfg *config.Config, logger *zap.Logger) engine.Dialer {
	return wa.NewDialer(cfg, logger)
}

func providePipeline(db *store.DB, reg *registry.Registry, resolver *media.Resolver, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *ingest.Pipeline {
	return ingest.New(db, reg, resolver, b, logger, cfg.StalenessHours)
}

func provideSupervisor(reg *registry.Registry, dialer engine.Dialer, db *store.DB, pipeline *ingest.Pipeline, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *supervisor.Supervisor {
	return supervisor.New(reg, dialer, db, pipeline, b, logger, cfg.ReconnectBudget)
}

func provideSender(db *store.DB, sup *supervisor.Supervisor, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, sup, b, logger)
}

func provideHub(db *store.DB, sup *supervisor.Supervisor, resolver *media.Resolver, b *bus.Bus, logger *zap.Logger) *ws.Hub {
	return ws.NewHub(db, sup, resolver, b, logger)
}

func provideAPIServer(cfg *config.Config, sup *supervisor.Supervisor, reg *registry.Registry, db *store.DB, resolver *media.Resolver, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(cfg, sup, reg, db, resolver, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, api *httpapi.Server, hub *ws.Hub, sender *outbox.Sender, sup *supervisor.Supervisor, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	hubCtx, hubCancel := context.WithCancel(context.Background())

	socketMux := http.NewServeMux()
	socketMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r)
	})
	socketSrv := &http.Server{
		Addr:        cfg.SocketAddr,
		Handler:     socketMux,
		ReadTimeout: 30 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go hub.Run(hubCtx)

			go func() {
				logger.Info("socket server listening", zap.String("addr", cfg.SocketAddr))
				if err := socketSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("socket server failed", zap.Error(err))
				}
			}()

			api.Start()
			sender.Start(context.Background())

			b.Publish(bus.Event{Kind: "daemon.ready", Timestamp: time.Now()})
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			sup.Shutdown()
			if err := api.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown error", zap.Error(err))
			}
			if err := socketSrv.Shutdown(ctx); err != nil {
				logger.Warn("socket shutdown error", zap.Error(err))
			}
			hubCancel()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
