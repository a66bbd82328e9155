package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/taskhub-stack/common/database"
	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/common/messaging/nats"
	"github.com/telhawk-systems/taskhub-stack/common/tracing"
	"github.com/telhawk-systems/taskhub-stack/core/internal/archive"
	"github.com/telhawk-systems/taskhub-stack/core/internal/auth"
	"github.com/telhawk-systems/taskhub-stack/core/internal/blob"
	"github.com/telhawk-systems/taskhub-stack/core/internal/config"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dedup"
	"github.com/telhawk-systems/taskhub-stack/core/internal/dlq"
	"github.com/telhawk-systems/taskhub-stack/core/internal/handlers"
	"github.com/telhawk-systems/taskhub-stack/core/internal/hub"
	"github.com/telhawk-systems/taskhub-stack/core/internal/pipeline"
	"github.com/telhawk-systems/taskhub-stack/core/internal/queue"
	"github.com/telhawk-systems/taskhub-stack/core/internal/ratelimit"
	"github.com/telhawk-systems/taskhub-stack/core/internal/retry"
	"github.com/telhawk-systems/taskhub-stack/core/internal/server"
	"github.com/telhawk-systems/taskhub-stack/core/internal/store"
	"github.com/telhawk-systems/taskhub-stack/core/internal/tenant"
	"github.com/telhawk-systems/taskhub-stack/core/internal/workers"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "override listen address")
	migrationsDir := flag.String("migrations", "/app/migrations", "directory holding SQL migrations")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("core"))
	logging.SetDefault(logger)

	if err := run(cfg, *addr, *migrationsDir, logger.Logger); err != nil {
		logger.Error("core service failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, addrOverride, migrationsDir string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing := tracing.Setup("core", logger)
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	checks := map[string]handlers.HealthCheck{}
	backends := pipeline.Backends{}
	var pool *pgxpool.Pool

	switch cfg.Database.Type {
	case "postgres":
		connStr := cfg.Database.Postgres.ConnString()
		if err := database.Migrate(migrationsDir, connStr); err != nil {
			return err
		}
		p, err := database.OpenPool(ctx, connStr)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
		backends.Tenants = tenant.NewPostgresRegistry(pool)
		backends.Store = store.NewPostgresStore(pool)
		checks["postgres"] = pool.Ping
		logger.Info("using postgres storage", slog.String("database", cfg.Database.Postgres.Database))
	default:
		backends.Tenants = tenant.NewMemoryRegistry()
		backends.Store = store.NewMemoryStore()
		logger.Warn("using in-memory tenant registry and store; state is lost on restart")
	}

	var js *nats.JetStreamClient
	if cfg.NATS.Enabled {
		c, err := nats.NewJetStreamClient(nats.Config{
			URL:           cfg.NATS.URL,
			Name:          "taskhub-core",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer c.Close()
		js = c
		checks["nats"] = func(ctx context.Context) error {
			if st := messaging.CheckClientHealth(ctx, js); !st.Connected {
				return errors.New(st.Error)
			}
			return nil
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		opt.MaxRetries = cfg.Redis.MaxRetries
		opt.PoolSize = cfg.Redis.PoolSize
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	switch cfg.Hub.EventLog {
	case "jetstream":
		if _, err := js.CreateOrUpdateStream(ctx, nats.EventsStream); err != nil {
			return err
		}
		backends.EventLog = hub.NewJetStreamEventLog(js)
	default:
		backends.EventLog = hub.NewMemoryEventLog()
	}

	switch cfg.Dedup.Backend {
	case "redis":
		backends.Dedup = dedup.NewRedisStore(redisClient, cfg.Dedup.Window)
	default:
		backends.Dedup = dedup.NewMemoryStore(cfg.Dedup.Window)
	}

	switch cfg.DLQ.Backend {
	case "jetstream":
		sink, err := dlq.NewJetStreamSink(ctx, js)
		if err != nil {
			return err
		}
		backends.DeadLetters = sink
	case "file":
		sink, err := dlq.NewFileSink(cfg.DLQ.BasePath)
		if err != nil {
			return err
		}
		backends.DeadLetters = sink
	default:
		backends.DeadLetters = dlq.NewMemorySink()
	}
	if cfg.DLQ.Alerts {
		backends.Alerts = js
	}

	switch cfg.Blob.Backend {
	case "file":
		fs, err := blob.NewFileStore(cfg.Blob.BasePath)
		if err != nil {
			return err
		}
		backends.Blobs = fs
	default:
		backends.Blobs = blob.NewMemoryStore()
	}

	if cfg.Archive.Enabled {
		arch, err := archive.NewOpenSearchArchive(cfg.OpenSearch)
		if err != nil {
			return err
		}
		if err := arch.EnsureIndex(ctx); err != nil {
			return err
		}
		backends.Archive = arch
	}

	queueOpts := queue.Options{
		LeaseDuration: cfg.Queue.LeaseDuration,
		MaxAttempts:   cfg.Queue.MaxAttempts,
	}
	if cfg.Queue.Backend == "postgres" {
		if pool == nil {
			return errors.New("queue.backend postgres requires database.type postgres")
		}
		queueOpts.OnDeadLetter = pipeline.QueueDeadLetter(dlq.NewAlertingSink(backends.DeadLetters, backends.Alerts, logger))
		backends.Queue = queue.NewPostgresQueue(pool, queueOpts).WithLogger(logger)
	}

	backoff := retry.Policy{
		Initial:    cfg.Hub.InitialBackoff,
		Max:        cfg.Hub.MaxBackoff,
		Multiplier: cfg.Hub.BackoffMultiplier,
	}
	host, _ := os.Hostname()
	p, err := pipeline.New(pipeline.Options{
		Hub: hub.Config{MaxAttempts: cfg.Hub.MaxAttempts, Retry: backoff},
		Pool: workers.PoolConfig{
			WorkersPerHandler: cfg.Hub.WorkersPerHandler,
			InvocationTimeout: cfg.Hub.InvocationTimeout,
		},
		Queue: queueOpts,
		Consumer: queue.ConsumerConfig{
			ID:           host + "-",
			PollInterval: cfg.Queue.PollInterval,
			Retry:        backoff,
		},
		Consumers:          cfg.Queue.Consumers,
		ReapInterval:       cfg.Queue.ReapInterval,
		MaxAttachmentBytes: cfg.Blob.MaxBodyBytes,
	}, backends, logger)
	if err != nil {
		return err
	}
	p.Start(ctx)

	authenticator := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.AdminKeyHash, backends.Tenants)
	if cfg.Auth.AdminKeyHash == "" {
		logger.Warn("auth.admin_key_hash is empty; admin API is disabled")
	}

	var limiter ratelimit.Limiter = ratelimit.NoOp{}
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	router := server.NewRouter(server.Handlers{
		Tasks:  handlers.NewTaskHandler(p.Tasks),
		Admin:  handlers.NewAdminHandler(p.AdminService(authenticator)),
		Health: handlers.NewHealthHandler(version, checks),
		Auth:   handlers.NewAuthMiddleware(authenticator, limiter, logger),
	})

	listenAddr := cfg.Server.Addr()
	if addrOverride != "" {
		listenAddr = addrOverride
	}
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		IdleTimeout:  cfg.Server.IdleTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("core service listening", slog.String("addr", listenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", logging.Error(err))
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline shutdown incomplete", logging.Error(err))
	}
	if js != nil {
		if err := js.Drain(); err != nil {
			logger.Warn("nats drain failed", logging.Error(err))
		}
	}
	logger.Info("core service stopped")
	return nil
}
