// Package asynqadp adapts the durable queue contract onto asynq.
//
// Enqueue is idempotent on the caller-supplied job id (asynq task id):
// while a job with that id is non-terminal a second enqueue is a no-op.
// Delivery is at-least-once; asynq owns the per-task lease and extends
// it while a handler runs.
package asynqadp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// Task type names, one per queue.
const (
	TaskDeepResearch = "deep_research:iteration"
	TaskChat         = "chat:reply"
	TaskFileIngest   = "file_ingest:register"
	TaskPaper        = "paper:generate"
)

// Policy is the per-queue retry/retention envelope.
type Policy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	SuccessRetention time.Duration
	Timeout          time.Duration
}

// Policies keys the envelope by queue name.
var Policies = map[string]Policy{
	domain.QueueDeepResearch: {MaxAttempts: 2, BaseDelay: 5 * time.Second, SuccessRetention: 24 * time.Hour, Timeout: 3 * time.Hour},
	domain.QueueChat:         {MaxAttempts: 3, BaseDelay: time.Second, SuccessRetention: 24 * time.Hour, Timeout: 10 * time.Minute},
	domain.QueueFileIngest:   {MaxAttempts: 3, BaseDelay: time.Second, SuccessRetention: 24 * time.Hour, Timeout: 5 * time.Minute},
	domain.QueuePaper:        {MaxAttempts: 1, BaseDelay: time.Second, SuccessRetention: 24 * time.Hour, Timeout: time.Hour},
}

// queueForTask maps a task type back to its queue; task types and queues
// are one-to-one.
func queueForTask(taskType string) string {
	switch taskType {
	case TaskChat:
		return domain.QueueChat
	case TaskFileIngest:
		return domain.QueueFileIngest
	case TaskPaper:
		return domain.QueuePaper
	default:
		return domain.QueueDeepResearch
	}
}

// RetryDelay implements the per-queue exponential backoff:
// base * 2^attempt.
func RetryDelay(n int, _ error, t *asynq.Task) time.Duration {
	pol := Policies[queueForTask(t.Type())]
	if n < 0 {
		n = 0
	}
	return pol.BaseDelay * time.Duration(math.Pow(2, float64(n)))
}

// Queue is the enqueue/state side of the durable queue.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// New builds a Queue from a Redis URL.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}, nil
}

// Close releases the underlying connections.
func (q *Queue) Close() error {
	ierr := q.inspector.Close()
	if err := q.client.Close(); err != nil {
		return err
	}
	return ierr
}

func (q *Queue) enqueue(ctx domain.Context, queue, taskType, jobID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	pol := Policies[queue]
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(pol.MaxAttempts - 1),
		asynq.Retention(pol.SuccessRetention),
		asynq.Timeout(pol.Timeout),
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(taskType, b), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// Already enqueued or in flight; idempotent success.
			slog.Debug("enqueue no-op, job id already active",
				slog.String("queue", queue), slog.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("op=queue.enqueue queue=%s: %w", queue, err)
	}
	observability.EnqueueJob(queue)
	return nil
}

// EnqueueDeepResearch schedules one research iteration; jobID must equal
// the target message id.
func (q *Queue) EnqueueDeepResearch(ctx domain.Context, jobID string, p domain.DeepResearchJobData) error {
	return q.enqueue(ctx, domain.QueueDeepResearch, TaskDeepResearch, jobID, p)
}

// EnqueueChat schedules a single-pass chat reply.
func (q *Queue) EnqueueChat(ctx domain.Context, jobID string, p domain.ChatJobData) error {
	return q.enqueue(ctx, domain.QueueChat, TaskChat, jobID, p)
}

// EnqueueFileIngest schedules dataset registration.
func (q *Queue) EnqueueFileIngest(ctx domain.Context, jobID string, p domain.FileIngestJobData) error {
	return q.enqueue(ctx, domain.QueueFileIngest, TaskFileIngest, jobID, p)
}

// JobState reports the queue's view of a job. A reaped id maps to
// JobAbsent, which callers treat as terminal.
func (q *Queue) JobState(_ domain.Context, queue, jobID string) (domain.JobState, error) {
	info, err := q.inspector.GetTaskInfo(queue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return domain.JobAbsent, nil
		}
		return "", fmt.Errorf("op=queue.job_state: %w", err)
	}
	return mapState(info), nil
}

func mapState(info *asynq.TaskInfo) domain.JobState {
	switch info.State {
	case asynq.TaskStateActive:
		return domain.JobReserved
	case asynq.TaskStateCompleted:
		return domain.JobCompleted
	case asynq.TaskStateArchived:
		return domain.JobFailedFinal
	case asynq.TaskStateRetry:
		return domain.JobFailedRetrying
	default:
		// pending, scheduled, aggregating
		return domain.JobPending
	}
}
