package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// MessageRepo persists messages.
type MessageRepo struct{ Pool PgxPool }

// NewMessageRepo constructs a MessageRepo with the given pool.
func NewMessageRepo(p PgxPool) *MessageRepo { return &MessageRepo{Pool: p} }

// Get loads a message by id.
func (r *MessageRepo) Get(ctx domain.Context, id string) (domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Get")
	defer span.End()
	q := `SELECT id, conversation_id, user_id, question, content, summary, source, state_id, response_time, created_at
	      FROM messages WHERE id=$1`
	var m domain.Message
	err := r.Pool.QueryRow(ctx, q, id).Scan(
		&m.ID, &m.ConversationID, &m.UserID, &m.Question, &m.Content, &m.Summary,
		&m.Source, &m.StateID, &m.ResponseTime, &m.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Message{}, fmt.Errorf("op=message.get: %w", domain.ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("op=message.get: %w", err)
	}
	return m, nil
}

// Create inserts a message and returns its id. The caller supplies the
// id so it can double as the queue job id.
func (r *MessageRepo) Create(ctx domain.Context, m domain.Message) (string, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Create")
	defer span.End()
	if m.ID == "" {
		return "", fmt.Errorf("op=message.create: %w: id required", domain.ErrInvalidArgument)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO messages (id, conversation_id, user_id, question, content, summary, source, state_id, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, m.ID, m.ConversationID, m.UserID, m.Question, m.Content, m.Summary, m.Source, m.StateID, m.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("op=message.create: %w", err)
	}
	return m.ID, nil
}

// UpdateContent writes the reply fields, last-write-wins.
func (r *MessageRepo) UpdateContent(ctx domain.Context, id, content, summary string, responseTime float64) error {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.UpdateContent")
	defer span.End()
	q := `UPDATE messages SET content=$2, summary=$3, response_time=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, content, summary, responseTime); err != nil {
		return fmt.Errorf("op=message.update_content: %w", err)
	}
	return nil
}
