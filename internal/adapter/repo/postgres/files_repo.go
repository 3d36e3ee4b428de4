package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// FileRepo persists dataset ingest records; the file-ready barrier polls
// these before initial planning.
type FileRepo struct{ Pool PgxPool }

// NewFileRepo constructs a FileRepo with the given pool.
func NewFileRepo(p PgxPool) *FileRepo { return &FileRepo{Pool: p} }

const fileColumns = `id, conversation_state_id, conversation_id, user_id, filename, mime, size, storage_path, status, error, created_at, updated_at`

func scanFile(row pgx.Row) (domain.FileRecord, error) {
	var f domain.FileRecord
	err := row.Scan(&f.ID, &f.ConversationStateID, &f.ConversationID, &f.UserID, &f.Filename,
		&f.MIME, &f.Size, &f.StoragePath, &f.Status, &f.Error, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// Get loads an ingest record by id.
func (r *FileRepo) Get(ctx domain.Context, id string) (domain.FileRecord, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Get")
	defer span.End()
	f, err := scanFile(r.Pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.FileRecord{}, fmt.Errorf("op=file.get: %w", domain.ErrNotFound)
		}
		return domain.FileRecord{}, fmt.Errorf("op=file.get: %w", err)
	}
	return f, nil
}

// Create inserts an ingest record and returns its id.
func (r *FileRepo) Create(ctx domain.Context, f domain.FileRecord) (string, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Create")
	defer span.End()
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = domain.FilePending
	}
	now := time.Now().UTC()
	q := `INSERT INTO files (` + fileColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, id, f.ConversationStateID, f.ConversationID, f.UserID,
		f.Filename, f.MIME, f.Size, f.StoragePath, f.Status, f.Error, now, now)
	if err != nil {
		return "", fmt.Errorf("op=file.create: %w", err)
	}
	return id, nil
}

// UpdateStatus moves an ingest record through its lifecycle.
func (r *FileRepo) UpdateStatus(ctx domain.Context, id string, status domain.FileStatus, errMsg string) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.UpdateStatus")
	defer span.End()
	q := `UPDATE files SET status=$2, error=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=file.update_status: %w", err)
	}
	return nil
}

// ListNonTerminalByStateID returns ingest records still pending or
// processing for the conversation state.
func (r *FileRepo) ListNonTerminalByStateID(ctx domain.Context, conversationStateID string) ([]domain.FileRecord, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.ListNonTerminalByStateID")
	defer span.End()
	q := `SELECT ` + fileColumns + ` FROM files
	      WHERE conversation_state_id=$1 AND status IN ($2,$3)
	      ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, conversationStateID, domain.FilePending, domain.FileProcessing)
	if err != nil {
		return nil, fmt.Errorf("op=file.list_non_terminal: %w", err)
	}
	defer rows.Close()
	var out []domain.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("op=file.list_non_terminal: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=file.list_non_terminal: %w", err)
	}
	return out, nil
}
