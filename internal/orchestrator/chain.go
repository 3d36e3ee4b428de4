package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// newID mints a message id. Messages double as job ids, so ids are
// generated before enqueue to keep the queue idempotent.
func newID() string {
	return ulid.Make().String()
}

// chainOrComplete closes out an iteration. A continuing chain promotes the suggested
// steps, creates the successor message and iteration state, and
// enqueues the successor before this job acks; the enqueue-before-ack
// order is what keeps a chain alive across worker crashes. A final
// iteration settles the chain's credit hold instead.
func (e *Executor) chainOrComplete(ctx domain.Context, r *iterationRun) error {
	r.iter.Status = domain.IterationCompleted
	r.iter.Error = ""
	if err := e.deps.Iterations.Update(ctx, r.iter); err != nil {
		return fmt.Errorf("op=orchestrator.finalize: %w", err)
	}

	if r.willContinue {
		if err := e.enqueueSuccessor(ctx, r); err != nil {
			return err
		}
	} else {
		observability.ChainLength.Observe(float64(r.job.IterationNumber))
		if err := e.deps.Credits.Complete(ctx, r.job.RootJobID, r.job.IterationNumber); err != nil {
			// Complete must tolerate redelivery; a hard failure here keeps
			// the job retryable so billing is not silently dropped.
			return fmt.Errorf("op=orchestrator.finalize credit: %w", err)
		}
	}

	e.publish(ctx, r.job.ConversationID, domain.Event{
		Type:      domain.EventJobCompleted,
		JobID:     r.job.MessageID,
		MessageID: r.job.MessageID,
		StateID:   r.job.StateID,
	})
	return nil
}

func (e *Executor) enqueueSuccessor(ctx domain.Context, r *iterationRun) error {
	promoted := r.state.PromoteSuggestions()
	if promoted < 0 {
		// Continue decided yes with nothing to promote; treat as final.
		slog.Warn("no suggestions to promote, ending chain", slog.String("job_id", r.job.MessageID))
		r.willContinue = false
		return e.deps.Credits.Complete(ctx, r.job.RootJobID, r.job.IterationNumber)
	}
	if err := e.deps.States.Update(ctx, r.state); err != nil {
		return fmt.Errorf("op=orchestrator.chain: %w", err)
	}

	// Agent-initiated continuation message: empty question, id minted
	// here so it can double as the successor's job id.
	successorID := newID()
	if _, err := e.deps.Messages.Create(ctx, domain.Message{
		ID:             successorID,
		ConversationID: r.job.ConversationID,
		UserID:         r.job.UserID,
		Source:         "agent",
		StateID:        r.job.ConversationStateID,
		CreatedAt:      e.now(),
	}); err != nil {
		return fmt.Errorf("op=orchestrator.chain message: %w", err)
	}
	iterID, err := e.deps.Iterations.Create(ctx, domain.IterationState{
		MessageID:      successorID,
		ConversationID: r.job.ConversationID,
		UserID:         r.job.UserID,
		Source:         "deep-research",
		IsDeepResearch: true,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.chain iteration_state: %w", err)
	}

	payload := domain.DeepResearchJobData{
		UserID:              r.job.UserID,
		ConversationID:      r.job.ConversationID,
		MessageID:           successorID,
		StateID:             iterID,
		ConversationStateID: r.job.ConversationStateID,
		RequestedAt:         e.now(),
		ResearchMode:        r.mode,
		IterationNumber:     r.job.IterationNumber + 1,
		RootJobID:           r.job.RootJobID,
		IsInitialIteration:  false,
	}
	if err := e.deps.Queue.EnqueueDeepResearch(ctx, successorID, payload); err != nil {
		return fmt.Errorf("op=orchestrator.chain enqueue: %w", err)
	}
	slog.Info("successor iteration enqueued",
		slog.String("root_job_id", r.job.RootJobID),
		slog.String("successor_job_id", successorID),
		slog.Int("iteration", payload.IterationNumber),
		slog.Int("level", promoted))
	return nil
}
