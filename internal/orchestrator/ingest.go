package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/lock"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// HandleFileIngest is the file_ingest queue handler. It verifies the
// stored dataset, then registers it on the conversation state under the
// distributed lock so concurrent ingest completions cannot lose each
// other's writes.
func (e *Executor) HandleFileIngest(ctx domain.Context, payload []byte) error {
	var job domain.FileIngestJobData
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=orchestrator.ingest decode: %w: %v", domain.ErrInvalidArgument, err)
	}
	observability.StartProcessingJob(domain.QueueFileIngest)
	if err := e.ingest(ctx, job); err != nil {
		observability.FailJob(domain.QueueFileIngest)
		return e.failIngest(ctx, job, err)
	}
	observability.CompleteJob(domain.QueueFileIngest)
	return nil
}

func (e *Executor) ingest(ctx domain.Context, job domain.FileIngestJobData) error {
	if err := e.deps.Files.UpdateStatus(ctx, job.FileID, domain.FileProcessing, ""); err != nil {
		return fmt.Errorf("op=orchestrator.ingest: %w", err)
	}

	mime := job.MIME
	size := job.Size
	if job.StoragePath != "" {
		info, err := os.Stat(job.StoragePath)
		if err != nil {
			return fmt.Errorf("op=orchestrator.ingest stat: %w: %v", domain.ErrInvalidArgument, err)
		}
		size = info.Size()
		if detected, err := mimetype.DetectFile(job.StoragePath); err == nil {
			mime = detected.String()
		}
	}

	release, err := e.deps.Locks.Acquire(ctx, lock.ConversationStateLock(job.ConversationStateID), e.deps.Cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("op=orchestrator.ingest lock: %w", err)
	}
	defer func() {
		if err := release(ctx); err != nil {
			slog.Warn("lock release failed",
				slog.String("conversation_state_id", job.ConversationStateID), slog.Any("error", err))
		}
	}()

	state, err := e.deps.States.Get(ctx, job.ConversationStateID)
	if err != nil {
		return fmt.Errorf("op=orchestrator.ingest: %w", err)
	}
	file, err := e.deps.Files.Get(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("op=orchestrator.ingest: %w", err)
	}
	state.AddDataset(domain.Dataset{
		ID:         job.FileID,
		Filename:   job.Filename,
		MIME:       mime,
		Size:       size,
		UploadedAt: file.CreatedAt,
	})
	// Only the dataset list is written back: an iteration may be
	// persisting plan progress on this state concurrently, and those
	// writes must survive.
	if err := e.deps.States.UpdateDatasets(ctx, state.ID, state.UploadedDatasets); err != nil {
		return fmt.Errorf("op=orchestrator.ingest: %w", err)
	}
	if err := e.deps.Files.UpdateStatus(ctx, job.FileID, domain.FileReady, ""); err != nil {
		return fmt.Errorf("op=orchestrator.ingest: %w", err)
	}
	e.publish(ctx, job.ConversationID, domain.Event{
		Type:    domain.EventFileReady,
		FileID:  job.FileID,
		StateID: job.ConversationStateID,
	})
	return nil
}

func (e *Executor) failIngest(ctx domain.Context, job domain.FileIngestJobData, cause error) error {
	attempt, maxAttempts := e.attemptInfo(ctx)
	final := attempt >= maxAttempts || isNonRetryable(cause)
	slog.Error("file ingest failed",
		slog.String("file_id", job.FileID),
		slog.Int("attempt", attempt),
		slog.Bool("final", final),
		slog.Any("error", cause))
	if final {
		if err := e.deps.Files.UpdateStatus(ctx, job.FileID, domain.FileError, cause.Error()); err != nil {
			slog.Error("failed to mark file errored", slog.String("file_id", job.FileID), slog.Any("error", err))
		}
		e.publish(ctx, job.ConversationID, domain.Event{
			Type:    domain.EventFileError,
			FileID:  job.FileID,
			StateID: job.ConversationStateID,
			Error:   cause.Error(),
		})
	}
	return cause
}
