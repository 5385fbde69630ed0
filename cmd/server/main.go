// Command ledger-server starts the reward ledger gRPC server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/rewardledger/internal/api"
	"github.com/and161185/rewardledger/internal/cache"
	"github.com/and161185/rewardledger/internal/config"
	"github.com/and161185/rewardledger/internal/expiry"
	"github.com/and161185/rewardledger/internal/limiter"
	"github.com/and161185/rewardledger/internal/metrics"
	"github.com/and161185/rewardledger/internal/migrate"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/and161185/rewardledger/internal/repository/postgres"
	grpcserver "github.com/and161185/rewardledger/internal/server/grpc"
	"github.com/and161185/rewardledger/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// main loads configuration, runs migrations, and serves the ledger over gRPC.
func main() {
	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	// DB pool
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	defer pool.Close()
	db := &postgres.DB{Pool: pool}

	// Repository, optionally fronted by the Redis balance cache
	var repo repository.Ledger = postgres.NewLedgerRepo(db, postgres.WithPollInterval(cfg.WatchPollInterval))
	if cfg.Redis.Addr != "" {
		balances, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer func() { _ = balances.Close() }()
		repo = cache.Wrap(repo, balances, logger)
		logger.Info("balance cache enabled", zap.String("redis", cfg.Redis.Addr))
	}

	lockout := limiter.NewPG(pool, cfg.Redeem.FailureWindow, cfg.Redeem.MaxFailures, cfg.Redeem.BlockFor)

	svc := service.NewLedgerService(repo,
		service.WithLogger(logger),
		service.WithRedeemLimiter(lockout),
		service.WithMaxBatch(cfg.MaxBatch),
		service.WithMaxCustomCategories(cfg.MaxCustomCategories),
		service.WithPendingTTL(cfg.Redeem.PendingTTL),
	)

	sweeper := expiry.New(svc,
		expiry.WithSchedule(cfg.Redeem.ExpirySchedule),
		expiry.WithOlderThan(cfg.Redeem.PendingTTL),
		expiry.WithLogger(logger),
	)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("expiry sweeper", zap.Error(err))
	}
	defer sweeper.Stop()

	// Metrics
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	// gRPC server with interceptors
	app := grpcserver.New(svc, []byte(cfg.JWTKey))
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(app.UnaryInterceptors(logger, limiter.NewRequests(cfg.RateLimit.RPS, cfg.RateLimit.Burst))...),
		grpc.ChainStreamInterceptor(app.StreamInterceptors(logger)...),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled; serving plaintext")
	}
	s := grpc.NewServer(opts...)
	api.RegisterLedgerServer(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(api.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.Dev {
		reflection.Register(s)
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}
	logger.Info("shutdown complete")
}
