// Package daemon wires chatd's components together with fx.
package daemon

import (
	"context"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/unilink/chatd/internal/api"
	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/chat"
	"github.com/unilink/chatd/internal/config"
	"github.com/unilink/chatd/internal/httpapi"
	"github.com/unilink/chatd/internal/lock"
	"github.com/unilink/chatd/internal/logging"
	"github.com/unilink/chatd/internal/notify"
	"github.com/unilink/chatd/internal/push"
	"github.com/unilink/chatd/internal/realtime"
	"github.com/unilink/chatd/internal/status"
	"github.com/unilink/chatd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideFeed,
			provideRedis,
			provideRelay,
			provideChatService,
			provideRegistry,
			provideMetrics,
			providePushRouter,
			provideWorker,
			provideScheduler,
			provideMonitor,
			provideHTTPServer,
			provideAdminService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.LogPath(), p.Config.Instance, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(p.Config.DataDir, 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("data_dir", p.Config.DataDir))
	l, err := lock.Acquire(p.Config.LockDir())
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened without it.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Config.DBPath()
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

// provideFeed tags local changes with a per-process origin so the redis
// relay can recognize its own echoes.
func provideFeed(p Params, b *bus.Bus) *realtime.Feed {
	origin := uuid.NewString()
	if p.Config.Instance != "" {
		origin = p.Config.Instance + "/" + origin
	}
	return realtime.NewFeed(b, origin)
}

// provideRedis returns nil when no relay is configured.
func provideRedis(p Params) *redis.Client {
	rc := p.Config.Realtime
	if rc.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     rc.RedisAddr,
		Password: rc.RedisPassword,
		DB:       rc.RedisDB,
	})
}

func provideRelay(p Params, client *redis.Client, feed *realtime.Feed, logger *zap.Logger) *realtime.RedisRelay {
	if client == nil {
		return nil
	}
	return realtime.NewRedisRelay(client, p.Config.Realtime.RedisChannel, feed, p.Config.Realtime.Buffer, logger)
}

func provideChatService(db *store.DB, feed *realtime.Feed, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, feed, b, logger)
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *notify.Metrics {
	return notify.NewMetrics(reg)
}

func providePushRouter(p Params, logger *zap.Logger) *push.Router {
	cfg := p.Config
	r := &push.Router{}
	if cfg.WebPushEnabled() {
		r.Web = push.NewWebPush(push.WebPushConfig{
			PublicKey:  cfg.WebPush.VAPIDPublicKey,
			PrivateKey: cfg.WebPush.VAPIDPrivateKey,
			Subscriber: cfg.WebPush.Subscriber,
			TTL:        cfg.WebPush.TTL.Duration,
		}, nil)
	}
	if cfg.GatewayEnabled() {
		r.Gateway = push.NewGateway(cfg.Gateway.URL, cfg.Gateway.AccessToken,
			&http.Client{Timeout: cfg.Gateway.Timeout.Duration})
	}
	logger.Info("push channels",
		zap.Bool("web_push", r.Web != nil),
		zap.Bool("gateway", r.Gateway != nil))
	return r
}

func provideWorker(p Params, db *store.DB, router *push.Router, metrics *notify.Metrics, logger *zap.Logger) *notify.Worker {
	n := p.Config.Notify
	return notify.NewWorker(db, router, metrics, notify.Config{
		BatchLimit:   n.BatchLimit,
		AppName:      n.AppName,
		PreviewLimit: n.PreviewLimit,
	}, logger)
}

func provideScheduler(p Params, worker *notify.Worker, b *bus.Bus, logger *zap.Logger) *notify.Scheduler {
	n := p.Config.Notify
	return notify.NewScheduler(worker, b, notify.SchedulerConfig{
		Interval:    n.Interval.Duration,
		MaxInterval: n.MaxInterval.Duration,
	}, logger)
}

func provideMonitor(machine *status.Machine, db *store.DB, client *redis.Client, logger *zap.Logger) *status.Monitor {
	checks := []status.Check{{Name: "store", Probe: db.PingContext}}
	if client != nil {
		checks = append(checks, status.Check{
			Name:  "redis",
			Probe: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}
	return status.NewMonitor(machine, checks, 0, logger)
}

func provideHTTPServer(p Params, svc *chat.Service, feed *realtime.Feed, worker *notify.Worker, reg *prometheus.Registry, db *store.DB, logger *zap.Logger) *httpapi.Server {
	cfg := p.Config
	handler := httpapi.NewRouter(httpapi.Deps{
		Chat:           svc,
		Feed:           feed,
		Auth:           httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Dispatch:       worker,
		ServiceKey:     cfg.Auth.ServiceKey,
		Gatherer:       reg,
		Ping:           db.PingContext,
		RealtimeBuffer: cfg.Realtime.Buffer,
		Log:            logger,
	})
	return httpapi.NewServer(httpapi.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:    cfg.HTTP.WriteTimeout.Duration,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout.Duration,
	}, handler, logger)
}

func provideAdminService(p Params, db *store.DB, b *bus.Bus, worker *notify.Worker, sched *notify.Scheduler, router *push.Router, machine *status.Machine) *api.AdminService {
	return api.NewAdminService(api.AdminDeps{
		Instance:  p.Config.Instance,
		DB:        db,
		Bus:       b,
		Runner:    worker,
		Scheduler: sched,
		Router:    router,
		Machine:   machine,
	})
}

type lifecycleDeps struct {
	fx.In

	Params    Params
	Server    *Server
	HTTP      *httpapi.Server
	Lock      *lock.Lock
	DB        *store.DB
	Redis     *redis.Client
	Relay     *realtime.RedisRelay
	Scheduler *notify.Scheduler
	Monitor   *status.Monitor
	Machine   *status.Machine
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Without the relay this instance still serves its own viewers.
			if d.Relay != nil {
				if err := d.Relay.Start(ctx); err != nil {
					logger.Warn("redis relay unavailable, serving local changes only", zap.Error(err))
				}
			}

			_ = d.Monitor.CheckNow(ctx)
			d.Monitor.Start(context.Background())

			if d.Params.Config.Notify.Enabled {
				d.Scheduler.Start(context.Background())
			} else {
				logger.Info("notification scheduler disabled")
			}

			if err := d.HTTP.Start(); err != nil {
				_ = d.Machine.Transition(status.Error, err.Error())
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = d.Machine.Transition(status.Stopping, "shutdown")
			if err := d.HTTP.Stop(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			d.Server.Stop(ctx)
			d.Scheduler.Stop()
			d.Monitor.Stop()
			if d.Relay != nil {
				d.Relay.Stop()
			}
			if d.Redis != nil {
				_ = d.Redis.Close()
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
