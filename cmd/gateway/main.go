// Command gateway starts the task-submission HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Muxite/webrag/internal/adapter/httpserver"
	"github.com/Muxite/webrag/internal/adapter/queue/redpanda"
	"github.com/Muxite/webrag/internal/adapter/store/postgres"
	"github.com/Muxite/webrag/internal/adapter/store/redisstore"
	"github.com/Muxite/webrag/internal/app"
	"github.com/Muxite/webrag/internal/config"
	"github.com/Muxite/webrag/internal/domain"
	"github.com/Muxite/webrag/internal/gateway"
	"github.com/Muxite/webrag/internal/observability"
	"github.com/Muxite/webrag/internal/service/quota"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	taskRepo := postgres.NewTaskRepo(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	fast := redisstore.New(rdb)

	broker, err := redpanda.NewQueue(cfg.KafkaBrokers, cfg.TaskTopic, "gateway")
	if err != nil {
		slog.Error("broker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := broker.Connect(ctx); err != nil {
		// The gateway can start degraded; enqueue attempts reconnect on demand.
		slog.Warn("broker connect failed at startup", slog.Any("error", err))
	}
	defer func() { _ = broker.Disconnect() }()

	var meter domain.Quota = quota.NewRedisQuota(rdb, cfg.DailyTickAllowance)
	if cfg.DisableQuotaChecks {
		slog.Warn("quota checks disabled")
		meter = quota.NoOp{}
	}

	svc := gateway.NewService(cfg, fast, fast, taskRepo, broker, meter)
	dbCheck, redisCheck, brokerCheck := app.BuildReadinessChecks(pool, fast, broker)
	srv := httpserver.NewServer(cfg, svc, dbCheck, redisCheck, brokerCheck)

	if !cfg.DisableStaleSweeper {
		sweeper := app.NewStaleTaskSweeper(taskRepo, cfg.StaleTaskMaxAge, cfg.StaleSweepInterval)
		go sweeper.Run(ctx)
		slog.Info("stale task sweeper started",
			slog.Duration("max_age", cfg.StaleTaskMaxAge),
			slog.Duration("interval", cfg.StaleSweepInterval))
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
	slog.Info("gateway stopped")
}
