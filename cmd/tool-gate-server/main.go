package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/cache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/interceptor"
	"github.com/triage-ai/palisade/services/tool_gate/internal/learning"
	"github.com/triage-ai/palisade/services/tool_gate/internal/memcache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_gate/internal/middleware"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
	"github.com/triage-ai/palisade/services/tool_gate/internal/server"
	"github.com/triage-ai/palisade/services/tool_gate/internal/storage"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation/checks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

const (
	patternRetention = 7 * 24 * time.Hour
	pruneSchedule    = "@every 10m"
)

type options struct {
	configPath string
	logLevel   string
	port       string
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:           "tool-gate-server",
		Short:         "Risk-adaptive validation gate for agent tool calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	root.Flags().StringVar(&opts.configPath, "config", os.Getenv("TOOL_GATE_CONFIG"), "path to a YAML config file")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.Flags().StringVar(&opts.port, "port", "", "gRPC port override")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Server.LogLevel = opts.logLevel
	}
	if opts.port != "" {
		cfg.Server.Port = opts.port
	}

	// Logger
	logger := mustBuildLogger(cfg.Server.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool gate server",
		zap.String("port", cfg.Server.Port),
		zap.Duration("validation_timeout", cfg.Middleware.ValidationTimeout),
		zap.Bool("enforce_blocking", cfg.Middleware.EnforceBlocking),
		zap.Float64("strict_threshold", cfg.Risk.StrictThreshold),
		zap.Float64("blocking_threshold", cfg.Risk.BlockingThreshold),
		zap.Float64("async_threshold", cfg.Risk.AsyncThreshold),
	)

	// Postgres backs the tool registry, the document cache tier and agent keys.
	var db *sql.DB
	if cfg.Storage.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, running without registry, document tier or key store")
	}

	// Tool registry: Postgres if DSN provided, otherwise nil (unregistered tool path)
	var toolRegistry registry.ToolRegistry
	if db != nil {
		toolRegistry = registry.NewPostgresToolRegistry(registry.PostgresToolRegistryConfig{
			DB:       db,
			CacheTTL: cfg.Storage.ToolCacheTTL,
			Logger:   logger,
		})
	}

	// Auth: Postgres if DSN provided, otherwise static
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Storage.AuthCacheTTL,
			FailOpen: cfg.Storage.AuthFailOpen,
			Logger:   logger,
		})
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Warn("using static authenticator, every tgk_ key is an admin")
	}

	// Learning store: default Pattern Store and Metrics Source.
	store := learning.NewMemoryStore(patternRetention, logger)
	if err := store.StartPruning(pruneSchedule); err != nil {
		return fmt.Errorf("schedule pattern pruning: %w", err)
	}
	defer store.Close()

	// Cache tiers: memory, then Redis, then the Postgres document store.
	memTier, err := cache.NewMemoryTier(cache.MemoryOptions{
		TTL:           cfg.Cache.TTL,
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxBytes:      cfg.Cache.MaxBytes,
		Policy:        memcache.ParsePolicy(cfg.Cache.Eviction),
		SweepInterval: cfg.Cache.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("memory cache: %w", err)
	}
	tiers := []cache.TierConfig{{Tier: memTier, TTL: cfg.Cache.TTL}}
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer func() { _ = rdb.Close() }()
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Tier errors degrade to misses, so a cold Redis is not fatal.
			logger.Warn("redis ping failed, keeping tier", zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
		}
		tiers = append(tiers, cache.TierConfig{
			Tier: cache.NewRedisTier(rdb, cfg.Cache.RedisPrefix, cfg.Cache.RedisTTL),
			TTL:  cfg.Cache.RedisTTL,
		})
		logger.Info("redis cache tier enabled", zap.String("addr", cfg.Cache.RedisAddr))
	}
	if db != nil {
		tiers = append(tiers, cache.TierConfig{
			Tier: cache.NewDocumentTier(cache.NewSQLDocumentStore(db)),
			TTL:  cfg.Cache.DocumentTTL,
		})
	}
	resultCache := cache.NewTiered(tiers, cfg.Middleware.CacheOpTimeout, logger)

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.Storage.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.Storage.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Event bus and its subscribers.
	bus := events.NewBus(logger)
	collector := metrics.NewCollector()
	bus.Subscribe("storage", events.DefaultBuffer, storage.Sink(writer))
	bus.Subscribe("metrics", events.DefaultBuffer, collector.Observe)

	// Pipeline
	classifier := risk.NewClassifier(risk.ClassifierConfig{
		Registry:   toolRegistry,
		Patterns:   store,
		Metrics:    store,
		ProfileTTL: cfg.Risk.ProfileTTL,
		Thresholds: risk.Thresholds{
			Strict:   cfg.Risk.StrictThreshold,
			Blocking: cfg.Risk.BlockingThreshold,
			Async:    cfg.Risk.AsyncThreshold,
		},
		Logger: logger,
	})
	deps := checks.Deps{Patterns: store, Metrics: store, Logger: logger}
	validator := validation.NewValidator(validation.Config{
		Registry:       toolRegistry,
		Checks:         checks.Blocking(deps),
		StrictChecks:   checks.Strict(),
		AsyncTimeout:   cfg.Middleware.AsyncCheckTimeout,
		OnAsyncFailure: middleware.AsyncFailurePublisher(bus),
		Logger:         logger,
	})
	orch := middleware.New(middleware.Config{
		Classifier: classifier,
		Validator:  validator,
		Cache:      resultCache,
		Memory:     memTier,
		Bus:        bus,
		Settings:   cfg,
		Logger:     logger,
	})
	executions := interceptor.New(interceptor.Config{
		Observers:   []learning.Observer{store, classifier},
		Bus:         bus,
		MaxAttempts: cfg.Executor.MaxRetryAttempts,
		RetryDelay:  cfg.Executor.RetryDelay,
		HistorySize: cfg.Executor.HistorySize,
		Logger:      logger,
	})

	// Metrics listener
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	server.RegisterToolGateServiceServer(grpcServer, server.NewToolGateServer(orch, executions, authenticator, logger))

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Port, err)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}()

	logger.Info("tool gate server listening", zap.String("addr", lis.Addr().String()))
	serveErr := grpcServer.Serve(lis)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	// Drains the bus into the writer, which is closed by its defer afterwards.
	if err := orch.Close(); err != nil {
		logger.Warn("orchestrator close", zap.Error(err))
	}
	published, dropped := bus.Stats()
	logger.Info("tool gate server stopped",
		zap.Int64("events_published", published),
		zap.Int64("events_dropped", dropped),
	)

	if serveErr != nil {
		return fmt.Errorf("grpc server: %w", serveErr)
	}
	return nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
