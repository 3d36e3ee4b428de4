package asynqadp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// Concurrency sets per-queue worker counts.
type Concurrency struct {
	DeepResearch int
	Chat         int
	FileIngest   int
	Paper        int
}

func (c Concurrency) total() int {
	return c.DeepResearch + c.Chat + c.FileIngest + c.Paper
}

// Handler processes one job payload; returning a non-nil error triggers
// the queue's retry policy unless the error is non-retryable.
type Handler func(ctx context.Context, payload []byte) error

// Worker runs the queue consumers. Leases and their renewal are managed
// by asynq while a handler is in flight; SIGTERM handling stops new
// reservations and lets in-flight handlers finish.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds an asynq server over all four queues.
func NewWorker(redisURL string, conc Concurrency) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=worker.new: %w", err)
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: conc.total(),
		Queues: map[string]int{
			domain.QueueDeepResearch: conc.DeepResearch,
			domain.QueueChat:         conc.Chat,
			domain.QueueFileIngest:   conc.FileIngest,
			domain.QueuePaper:        conc.Paper,
		},
		RetryDelayFunc: RetryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			slog.Error("task handler error",
				slog.String("task", task.Type()),
				slog.String("job_id", id),
				slog.Int("attempt", retried+1),
				slog.Any("error", err))
		}),
	})
	return &Worker{server: srv, mux: asynq.NewServeMux()}, nil
}

// Handle registers a handler for a task type. Non-retryable domain
// errors (missing records, invalid payloads) skip the retry policy.
func (w *Worker) Handle(taskType string, h Handler) {
	w.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		err := h(ctx, t.Payload())
		if err == nil {
			return nil
		}
		if NonRetryable(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	})
}

// NonRetryable reports whether err is a data error that retrying cannot
// fix.
func NonRetryable(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument)
}

// AttemptInfo reports the delivery attempt and cap for the task bound to
// ctx. Outside a task handler every attempt counts as the last one.
func AttemptInfo(ctx domain.Context) (attempt, maxAttempts int) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 1, 1
	}
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried + 1, maxRetry + 1
}

// Start begins consuming; it returns once the server is running.
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("op=worker.start: %w", err)
	}
	return nil
}

// Shutdown drains in-flight handlers and releases connections.
func (w *Worker) Shutdown() { w.server.Shutdown() }
