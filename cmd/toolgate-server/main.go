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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/toolgate/internal/auth"
	"github.com/triage-ai/palisade/toolgate/internal/builtin"
	"github.com/triage-ai/palisade/toolgate/internal/config"
	"github.com/triage-ai/palisade/toolgate/internal/engine"
	"github.com/triage-ai/palisade/toolgate/internal/policy"
	"github.com/triage-ai/palisade/toolgate/internal/registry"
	"github.com/triage-ai/palisade/toolgate/internal/server"
	"github.com/triage-ai/palisade/toolgate/internal/session"
	"github.com/triage-ai/palisade/toolgate/internal/storage"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolgate-server: %v\n", err)
		os.Exit(2)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting toolgate server",
		zap.String("port", cfg.Port),
		zap.String("policy_backend", cfg.PolicyBackend),
		zap.String("satisfaction_mode", cfg.Satisfaction),
		zap.Int("session_ttl_s", cfg.SessionTTLS),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres is shared by the policy source and the authenticator.
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Tool registry
	reg := registry.NewRegistry(logger)
	builtinCfg := builtin.Config{
		Root:           cfg.WorkspaceRoot,
		MaxReadBytes:   cfg.MaxReadBytes,
		Commands:       cfg.Commands,
		CommandTimeout: cfg.CommandTimeout(),
		Logger:         logger,
	}
	if cfg.OpenAIAPIKey != "" {
		builtinCfg.Model = &builtin.ModelConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			RPS:     cfg.ModelRPS,
		}
	} else {
		logger.Info("no OPENAI_API_KEY set, ask_model disabled")
	}
	if _, err := builtin.Register(reg, builtinCfg); err != nil {
		logger.Fatal("failed to register built-in tools", zap.Error(err))
	}

	// Policy
	store := policy.NewStore(policy.WithKnownTools(reg.Names))
	store.OnChange(func(c *policy.Catalog) {
		logger.Info("policy catalog published",
			zap.Uint64("version", c.Version()),
			zap.String("source", c.Source()),
			zap.Int("entries", c.Len()),
		)
	})
	if err := loadPolicy(ctx, cfg, store, db, logger); err != nil {
		logger.Fatal("failed to load policy", zap.Error(err))
	}
	enforcer := policy.NewEnforcer(store)

	// Audit events
	writer := buildEventWriter(cfg, logger, dialClickHouse)
	defer writer.Close()

	// Auth: Postgres if DSN provided, otherwise static
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL(),
			FailOpen: cfg.AuthFailOpen,
			Logger:   logger,
		})
		logger.Info("postgres authenticator enabled")
	} else {
		authenticator = auth.NewStaticAuthenticator(nil)
		logger.Info("using static authenticator (no POSTGRES_DSN)")
	}

	// Sessions
	sessions := session.NewManager(session.Config{
		Registry: reg,
		Enforcer: enforcer,
		Logger:   logger,
		TTL:      cfg.SessionTTL(),
		ExecutorOptions: []engine.Option{
			engine.WithSatisfactionMode(cfg.SatisfactionMode()),
			engine.WithEventWriter(writer),
		},
	})
	defer sessions.Stop()

	// Metrics
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	server.RegisterToolGateServiceServer(grpcServer, server.NewToolGateServer(sessions, authenticator, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		cancel()
		grpcServer.GracefulStop()

		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("toolgate server listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.Strings("tools", reg.Names()),
	)
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

// loadPolicy publishes the initial catalog and starts whatever keeps it
// current for the configured backend.
func loadPolicy(ctx context.Context, cfg *config.Config, store *policy.Store, db *sql.DB, logger *zap.Logger) error {
	switch cfg.PolicyBackend {
	case config.PolicyBackendFile:
		w, err := policy.NewWatcher(cfg.PolicyFile, store, logger)
		if err != nil {
			return err
		}
		if _, err := w.Reload(); err != nil {
			_ = w.Close()
			return err
		}
		if !cfg.PolicyWatch {
			return w.Close()
		}
		go func() {
			w.Start(ctx)
			_ = w.Close()
		}()
		logger.Info("watching policy file", zap.String("path", cfg.PolicyFile))
		return nil

	case config.PolicyBackendPostgres:
		src := policy.NewPostgresSource(policy.PostgresSourceConfig{DB: db, Logger: logger})
		if _, err := src.Sync(ctx, store); err != nil {
			return err
		}
		go src.Poll(ctx, store, cfg.PolicyRefresh())
		return nil

	default:
		entries, err := policy.DefaultEntries()
		if err != nil {
			return err
		}
		_, err = store.Replace(entries, "builtin:default_policy")
		return err
	}
}

func dialClickHouse(cfg storage.ClickHouseConfig) (storage.EventWriter, error) {
	return storage.NewClickHouseWriter(cfg)
}

// buildEventWriter sends audit events to ClickHouse when configured, also to
// the log when audit_log is set, and to the log alone otherwise.
func buildEventWriter(cfg *config.Config, logger *zap.Logger, dial func(storage.ClickHouseConfig) (storage.EventWriter, error)) storage.EventWriter {
	if cfg.ClickHouseDSN == "" {
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
		return storage.NewLogWriter(logger)
	}
	chWriter, err := dial(storage.ClickHouseConfig{
		DSN:         cfg.ClickHouseDSN,
		CreateTable: true,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn("clickhouse connection failed, falling back to log writer",
			zap.Error(err),
		)
		return storage.NewLogWriter(logger)
	}
	logger.Info("clickhouse writer connected", zap.Bool("audit_log", cfg.AuditLog))
	if cfg.AuditLog {
		return storage.MultiWriter{chWriter, storage.NewLogWriter(logger)}
	}
	return chWriter
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
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
