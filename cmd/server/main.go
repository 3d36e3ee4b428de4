// Command server starts the deep-research ingress HTTP server.
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
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/deep-research-backend/internal/adapter/httpserver"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/notify"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/deep-research-backend/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/deep-research-backend/internal/app"
	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness check interface.
type redisPinger struct{ rdb *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }

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

	// The ingress process owns schema migration; the worker assumes it.
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

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

	convRepo := postgres.NewConversationRepo(pool)
	stateRepo := postgres.NewConversationStateRepo(pool)
	msgRepo := postgres.NewMessageRepo(pool)
	iterRepo := postgres.NewIterationStateRepo(pool)
	fileRepo := postgres.NewFileRepo(pool)

	researchSvc := usecase.NewResearchService(convRepo, stateRepo, msgRepo, iterRepo, queue)
	uploadSvc := usecase.NewUploadService(fileRepo, queue, cfg.DatasetDir, cfg.MaxUploadMB)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisPinger{rdb})
	srv := httpserver.NewServer(cfg, researchSvc, uploadSvc, bus, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	// WriteTimeout stays zero: the event stream endpoint holds its
	// response open indefinitely. Non-streaming routes are bounded by
	// the router's timeout middleware.
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
