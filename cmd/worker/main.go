// Command worker runs the deep-research queue consumers: iteration
// execution, chat replies, file ingestion, and the stalled-iteration
// sweeper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/agents"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/credits"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/lock"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/notify"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/deep-research-backend/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/deep-research-backend/internal/app"
	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	if err := agents.ValidateConfig(cfg); err != nil {
		slog.Error("agent config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()

	queue, err := asynqadp.New(cfg.RedisURL)
	if err != nil {
		slog.Error("queue client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	bus := notify.NewBus(rdb)
	if len(cfg.KafkaBrokers) > 0 {
		archiver, err := notify.NewKafkaArchiver(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			slog.Error("kafka archiver init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer archiver.Close()
		bus = bus.WithArchiver(archiver)
	}

	gate, err := config.LoadGatePolicy(cfg.DiscoveryGateConfig)
	if err != nil {
		slog.Error("discovery gate config invalid", slog.Any("error", err))
		os.Exit(1)
	}

	iterRepo := postgres.NewIterationStateRepo(pool)
	creditsSvc := credits.New(cfg)

	exec := orchestrator.New(orchestrator.Deps{
		Conversations: postgres.NewConversationRepo(pool),
		States:        postgres.NewConversationStateRepo(pool),
		Messages:      postgres.NewMessageRepo(pool),
		Iterations:    iterRepo,
		Files:         postgres.NewFileRepo(pool),
		Queue:         queue,
		Bus:           bus,
		Locks:         lock.New(rdb, cfg.LockRetries, cfg.LockRetryDelay),
		Credits:       creditsSvc,
		Agents:        agents.Build(cfg),
		Gate:          gate,
		Cfg:           cfg,
		AttemptInfo:   asynqadp.AttemptInfo,
	})

	worker, err := asynqadp.NewWorker(cfg.RedisURL, asynqadp.Concurrency{
		DeepResearch: cfg.DeepResearchConcurrency,
		Chat:         cfg.ChatConcurrency,
		FileIngest:   cfg.FileProcessConcurrency,
		Paper:        cfg.PaperConcurrency,
	})
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	worker.Handle(asynqadp.TaskDeepResearch, exec.HandleDeepResearch)
	worker.Handle(asynqadp.TaskChat, exec.HandleChat)
	worker.Handle(asynqadp.TaskFileIngest, exec.HandleFileIngest)

	sweeper := app.NewStalledSweeper(iterRepo, bus, creditsSvc, cfg.StalledAfter, cfg.StalledSweep)
	go sweeper.Run(ctx)

	if err := worker.Start(); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker started",
		slog.Int("deep_research_concurrency", cfg.DeepResearchConcurrency),
		slog.Int("chat_concurrency", cfg.ChatConcurrency),
		slog.Int("file_ingest_concurrency", cfg.FileProcessConcurrency))

	<-ctx.Done()
	slog.Info("shutdown signal received; draining in-flight jobs")
	done := make(chan struct{})
	go func() {
		worker.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("worker shutdown timed out")
	}
}
