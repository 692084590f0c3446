package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cimillas/donation-hub/services/verify/internal/app"
	"github.com/cimillas/donation-hub/services/verify/internal/clock"
	"github.com/cimillas/donation-hub/services/verify/internal/config"
	"github.com/cimillas/donation-hub/services/verify/internal/gateway"
	"github.com/cimillas/donation-hub/services/verify/internal/lease"
	"github.com/cimillas/donation-hub/services/verify/internal/logging"
	"github.com/cimillas/donation-hub/services/verify/internal/storage/postgres"
	transporthttp "github.com/cimillas/donation-hub/services/verify/internal/transport/http"
	"github.com/cimillas/donation-hub/services/verify/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logging.Sync(logger)

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to db", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logger.Fatal("db ping", zap.Error(err))
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	leaseOpts := lease.Options{TTL: cfg.LeaseTTL, AcquireWait: cfg.LeaseAcquireWait}
	var guard lease.Guard
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(startupCtx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer func() { _ = client.Close() }()
		guard = lease.NewRedisGuard(client, leaseOpts, logger)
		logger.Info("using redis lease", zap.String("addr", cfg.RedisAddr))
	} else {
		guard = lease.NewMemoryGuard(leaseOpts, clock.NewSystem())
		logger.Info("using in-memory lease; run a single replica")
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.GatewayBaseURL,
		Timeout:     cfg.GatewayTimeout,
		MaxAttempts: cfg.GatewayMaxAttempts,
		RetryBase:   cfg.GatewayRetryBase,
	}, logger)

	repo := postgres.NewOrderRepository(pool)
	svc := app.NewVerifyService(repo, gw, guard, clock.NewSystem(), logger)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: transporthttp.NewRouter(svc, logger),
	}

	logger.Info("verify service listening", zap.String("addr", cfg.HTTPAddr))

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}
