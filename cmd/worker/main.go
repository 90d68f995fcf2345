// Command worker starts one interface-agent instance: it leases mandates off
// the queue and executes them until told to stop.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	agentstub "github.com/Muxite/webrag/internal/adapter/agent"
	"github.com/Muxite/webrag/internal/adapter/protection"
	"github.com/Muxite/webrag/internal/adapter/queue/redpanda"
	"github.com/Muxite/webrag/internal/adapter/store/redisstore"
	"github.com/Muxite/webrag/internal/config"
	"github.com/Muxite/webrag/internal/domain"
	"github.com/Muxite/webrag/internal/observability"
	"github.com/Muxite/webrag/internal/status"
	"github.com/Muxite/webrag/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger.With(slog.String("worker_id", cfg.WorkerID)))
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	fast := redisstore.New(rdb)

	broker, err := redpanda.NewQueue(cfg.KafkaBrokers, cfg.TaskTopic, "workers")
	if err != nil {
		slog.Error("broker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	var protect domain.TaskProtection = protection.NoOp{}
	if cfg.ProtectionEndpoint != "" {
		ecs, err := protection.NewECSClient(cfg.ProtectionEndpoint, cfg.ProtectionTTLMinutes)
		if err != nil {
			slog.Error("protection client init failed", slog.Any("error", err))
			os.Exit(1)
		}
		protect = ecs
	}

	st := status.NewManager(fast, fast, cfg.PresenceTTL(),
		cfg.ResilientStatusMaxWait, cfg.ResilientStatusRetryTimeout)
	runner := agentstub.NewStub(time.Second)

	a := worker.NewAgent(cfg, broker, fast, st, runner, protect)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting", slog.String("topic", cfg.TaskTopic))
	if err := a.Run(ctx); err != nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
