package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// ConversationStateRepo persists the research-scoped conversation state.
// The plan and the other open-ended fields are JSONB columns; scalar
// fields get their own columns.
type ConversationStateRepo struct{ Pool PgxPool }

// NewConversationStateRepo constructs the repo with the given pool.
func NewConversationStateRepo(p PgxPool) *ConversationStateRepo {
	return &ConversationStateRepo{Pool: p}
}

const stateColumns = `id, conversation_id, objective, current_objective, current_level,
current_hypothesis, methodology, conversation_title, research_mode,
plan, suggested_next_steps, key_insights, discoveries, uploaded_datasets, agent_notes, updated_at`

func scanState(row pgx.Row) (domain.ConversationState, error) {
	var s domain.ConversationState
	err := row.Scan(
		&s.ID, &s.ConversationID, &s.Objective, &s.CurrentObjective, &s.CurrentLevel,
		&s.CurrentHypothesis, &s.Methodology, &s.ConversationTitle, &s.ResearchMode,
		&s.Plan, &s.SuggestedNextSteps, &s.KeyInsights, &s.Discoveries,
		&s.UploadedDatasets, &s.AgentNotes, &s.UpdatedAt,
	)
	return s, err
}

// Get loads a conversation state by id.
func (r *ConversationStateRepo) Get(ctx domain.Context, id string) (domain.ConversationState, error) {
	tracer := otel.Tracer("repo.conversation_states")
	ctx, span := tracer.Start(ctx, "conversation_states.Get")
	defer span.End()
	q := `SELECT ` + stateColumns + ` FROM conversation_states WHERE id=$1`
	s, err := scanState(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ConversationState{}, fmt.Errorf("op=conversation_state.get: %w", domain.ErrNotFound)
		}
		return domain.ConversationState{}, fmt.Errorf("op=conversation_state.get: %w", err)
	}
	return s, nil
}

// Create inserts a new state and returns its id.
func (r *ConversationStateRepo) Create(ctx domain.Context, s domain.ConversationState) (string, error) {
	tracer := otel.Tracer("repo.conversation_states")
	ctx, span := tracer.Start(ctx, "conversation_states.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	if s.ResearchMode == "" {
		s.ResearchMode = domain.ModeSemiAutonomous
	}
	q := `INSERT INTO conversation_states (` + stateColumns + `)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := r.Pool.Exec(ctx, q,
		id, s.ConversationID, s.Objective, s.CurrentObjective, s.CurrentLevel,
		s.CurrentHypothesis, s.Methodology, s.ConversationTitle, s.ResearchMode,
		jsonOrEmpty(s.Plan), jsonOrEmpty(s.SuggestedNextSteps), jsonOrEmpty(s.KeyInsights),
		jsonOrEmpty(s.Discoveries), jsonOrEmpty(s.UploadedDatasets), jsonOrEmpty(s.AgentNotes),
		time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("op=conversation_state.create: %w", err)
	}
	return id, nil
}

// Update writes the state record, last-write-wins, without touching the
// uploaded_datasets column. Dataset mutation goes through UpdateDatasets
// under the distributed lock, so an iteration's plan writes and a file
// ingest landing mid-iteration cannot clobber each other.
func (r *ConversationStateRepo) Update(ctx domain.Context, s domain.ConversationState) error {
	tracer := otel.Tracer("repo.conversation_states")
	ctx, span := tracer.Start(ctx, "conversation_states.Update")
	defer span.End()
	q := `UPDATE conversation_states SET
	        objective=$2, current_objective=$3, current_level=$4, current_hypothesis=$5,
	        methodology=$6, conversation_title=$7, research_mode=$8,
	        plan=$9, suggested_next_steps=$10, key_insights=$11, discoveries=$12,
	        agent_notes=$13, updated_at=$14
	      WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q,
		s.ID, s.Objective, s.CurrentObjective, s.CurrentLevel, s.CurrentHypothesis,
		s.Methodology, s.ConversationTitle, s.ResearchMode,
		jsonOrEmpty(s.Plan), jsonOrEmpty(s.SuggestedNextSteps), jsonOrEmpty(s.KeyInsights),
		jsonOrEmpty(s.Discoveries), jsonOrEmpty(s.AgentNotes), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("op=conversation_state.update: %w", err)
	}
	return nil
}

// UpdateDatasets replaces only the uploaded_datasets column.
func (r *ConversationStateRepo) UpdateDatasets(ctx domain.Context, id string, datasets []domain.Dataset) error {
	tracer := otel.Tracer("repo.conversation_states")
	ctx, span := tracer.Start(ctx, "conversation_states.UpdateDatasets")
	defer span.End()
	q := `UPDATE conversation_states SET uploaded_datasets=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, jsonOrEmpty(datasets), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=conversation_state.update_datasets: %w", err)
	}
	return nil
}

// jsonOrEmpty keeps JSONB columns as [] instead of null for nil slices.
func jsonOrEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
