package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// ConversationRepo persists conversations.
type ConversationRepo struct{ Pool PgxPool }

// NewConversationRepo constructs a ConversationRepo with the given pool.
func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

// Get loads a conversation by id.
func (r *ConversationRepo) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Get")
	defer span.End()
	q := `SELECT id, user_id, title, created_at FROM conversations WHERE id=$1`
	var c domain.Conversation
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

// Ensure creates the conversation on first use; existing rows are kept.
func (r *ConversationRepo) Ensure(ctx domain.Context, c domain.Conversation) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Ensure")
	defer span.End()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO conversations (id, user_id, title, created_at) VALUES ($1,$2,$3,$4)
	      ON CONFLICT (id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, c.ID, c.UserID, c.Title, c.CreatedAt); err != nil {
		return fmt.Errorf("op=conversation.ensure: %w", err)
	}
	return nil
}

// CountMessages returns the number of messages in the conversation.
func (r *ConversationRepo) CountMessages(ctx domain.Context, conversationID string) (int, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.CountMessages")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM messages WHERE conversation_id=$1`
	if err := r.Pool.QueryRow(ctx, q, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=conversation.count_messages: %w", err)
	}
	return n, nil
}
