package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// IterationStateRepo persists per-iteration scratch records.
type IterationStateRepo struct{ Pool PgxPool }

// NewIterationStateRepo constructs the repo with the given pool.
func NewIterationStateRepo(p PgxPool) *IterationStateRepo { return &IterationStateRepo{Pool: p} }

// Get loads an iteration state by id.
func (r *IterationStateRepo) Get(ctx domain.Context, id string) (domain.IterationState, error) {
	tracer := otel.Tracer("repo.iteration_states")
	ctx, span := tracer.Start(ctx, "iteration_states.Get")
	defer span.End()
	q := `SELECT id, message_id, conversation_id, user_id, source, is_deep_research, status, error, values_json, updated_at
	      FROM iteration_states WHERE id=$1`
	var s domain.IterationState
	err := r.Pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.MessageID, &s.ConversationID, &s.UserID, &s.Source,
		&s.IsDeepResearch, &s.Status, &s.Error, &s.Values, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.IterationState{}, fmt.Errorf("op=iteration_state.get: %w", domain.ErrNotFound)
		}
		return domain.IterationState{}, fmt.Errorf("op=iteration_state.get: %w", err)
	}
	return s, nil
}

// Create inserts a new iteration state and returns its id.
func (r *IterationStateRepo) Create(ctx domain.Context, s domain.IterationState) (string, error) {
	tracer := otel.Tracer("repo.iteration_states")
	ctx, span := tracer.Start(ctx, "iteration_states.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = domain.IterationRunning
	}
	if s.Values == nil {
		s.Values = map[string]any{}
	}
	q := `INSERT INTO iteration_states (id, message_id, conversation_id, user_id, source, is_deep_research, status, error, values_json, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, s.MessageID, s.ConversationID, s.UserID, s.Source,
		s.IsDeepResearch, s.Status, s.Error, s.Values, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=iteration_state.create: %w", err)
	}
	return id, nil
}

// Update writes the full record, last-write-wins.
func (r *IterationStateRepo) Update(ctx domain.Context, s domain.IterationState) error {
	tracer := otel.Tracer("repo.iteration_states")
	ctx, span := tracer.Start(ctx, "iteration_states.Update")
	defer span.End()
	if s.Values == nil {
		s.Values = map[string]any{}
	}
	q := `UPDATE iteration_states SET source=$2, is_deep_research=$3, status=$4, error=$5, values_json=$6, updated_at=$7
	      WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, s.ID, s.Source, s.IsDeepResearch, s.Status, s.Error, s.Values, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=iteration_state.update: %w", err)
	}
	return nil
}

// Touch bumps updated_at; the worker heartbeats running iterations with
// this so the stalled sweeper can tell live from abandoned work.
func (r *IterationStateRepo) Touch(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.iteration_states")
	ctx, span := tracer.Start(ctx, "iteration_states.Touch")
	defer span.End()
	q := `UPDATE iteration_states SET updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=iteration_state.touch: %w", err)
	}
	return nil
}

// ListStalledRunning returns running deep-research iterations whose
// heartbeat is older than the cutoff.
func (r *IterationStateRepo) ListStalledRunning(ctx domain.Context, cutoff time.Time, limit int) ([]domain.IterationState, error) {
	tracer := otel.Tracer("repo.iteration_states")
	ctx, span := tracer.Start(ctx, "iteration_states.ListStalledRunning")
	defer span.End()
	q := `SELECT id, message_id, conversation_id, user_id, source, is_deep_research, status, error, values_json, updated_at
	      FROM iteration_states
	      WHERE status=$1 AND is_deep_research AND updated_at < $2
	      ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.IterationRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=iteration_state.list_stalled: %w", err)
	}
	defer rows.Close()
	var out []domain.IterationState
	for rows.Next() {
		var s domain.IterationState
		if err := rows.Scan(&s.ID, &s.MessageID, &s.ConversationID, &s.UserID, &s.Source,
			&s.IsDeepResearch, &s.Status, &s.Error, &s.Values, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=iteration_state.list_stalled: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=iteration_state.list_stalled: %w", err)
	}
	return out, nil
}
