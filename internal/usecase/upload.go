package usecase

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// UploadService stores dataset files and queues their ingest. The
// ingest job registers the dataset on the conversation state; planning
// only sees datasets that cleared the file-ready barrier.
type UploadService struct {
	Files      domain.FileRepository
	Queue      domain.Queue
	DatasetDir string
	MaxBytes   int64
}

// NewUploadService constructs an UploadService.
func NewUploadService(files domain.FileRepository, q domain.Queue, datasetDir string, maxUploadMB int64) UploadService {
	return UploadService{Files: files, Queue: q, DatasetDir: datasetDir, MaxBytes: maxUploadMB << 20}
}

// UploadInput is one dataset upload.
type UploadInput struct {
	UserID              string
	ConversationID      string
	ConversationStateID string
	Filename            string
	Size                int64
	Content             io.Reader
}

// Upload persists the dataset to disk, records it, and enqueues the
// ingest job with jobID = fileID so redelivered uploads stay idempotent.
func (s UploadService) Upload(ctx domain.Context, in UploadInput) (string, error) {
	if in.UserID == "" || in.ConversationStateID == "" || in.Filename == "" {
		return "", fmt.Errorf("op=usecase.upload: %w: user, state, and filename required", domain.ErrInvalidArgument)
	}
	if s.MaxBytes > 0 && in.Size > s.MaxBytes {
		return "", fmt.Errorf("op=usecase.upload: %w: file exceeds %d bytes", domain.ErrInvalidArgument, s.MaxBytes)
	}

	fileID := uuid.New().String()
	if err := os.MkdirAll(s.DatasetDir, 0o750); err != nil {
		return "", fmt.Errorf("op=usecase.upload: %w", err)
	}
	storagePath := filepath.Join(s.DatasetDir, fileID)
	dst, err := os.OpenFile(storagePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("op=usecase.upload: %w", err)
	}
	reader := in.Content
	if s.MaxBytes > 0 {
		// Size comes from the client; cap the actual stream too.
		reader = io.LimitReader(in.Content, s.MaxBytes+1)
	}
	written, err := io.Copy(dst, reader)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(storagePath)
		return "", fmt.Errorf("op=usecase.upload: %w", err)
	}
	if s.MaxBytes > 0 && written > s.MaxBytes {
		_ = os.Remove(storagePath)
		return "", fmt.Errorf("op=usecase.upload: %w: file exceeds %d bytes", domain.ErrInvalidArgument, s.MaxBytes)
	}

	mime := ""
	if detected, derr := mimetype.DetectFile(storagePath); derr == nil {
		mime = detected.String()
	}

	if _, err := s.Files.Create(ctx, domain.FileRecord{
		ID:                  fileID,
		ConversationStateID: in.ConversationStateID,
		ConversationID:      in.ConversationID,
		UserID:              in.UserID,
		Filename:            in.Filename,
		MIME:                mime,
		Size:                written,
		StoragePath:         storagePath,
		Status:              domain.FilePending,
		CreatedAt:           time.Now().UTC(),
	}); err != nil {
		_ = os.Remove(storagePath)
		return "", fmt.Errorf("op=usecase.upload: %w", err)
	}

	if err := s.Queue.EnqueueFileIngest(ctx, fileID, domain.FileIngestJobData{
		FileID:              fileID,
		UserID:              in.UserID,
		ConversationID:      in.ConversationID,
		ConversationStateID: in.ConversationStateID,
		Filename:            in.Filename,
		MIME:                mime,
		Size:                written,
		StoragePath:         storagePath,
	}); err != nil {
		if uerr := s.Files.UpdateStatus(ctx, fileID, domain.FileError, "enqueue failed"); uerr != nil {
			return "", fmt.Errorf("op=usecase.upload: %w", uerr)
		}
		return "", fmt.Errorf("op=usecase.upload: %w", err)
	}
	return fileID, nil
}
