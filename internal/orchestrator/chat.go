package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

func isNonRetryable(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument)
}

// HandleChat is the chat queue handler: a single-pass reply with no
// planning, no chaining, and no billing.
func (e *Executor) HandleChat(ctx domain.Context, payload []byte) error {
	var job domain.ChatJobData
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=orchestrator.chat decode: %w: %v", domain.ErrInvalidArgument, err)
	}
	observability.StartProcessingJob(domain.QueueChat)
	if err := e.chat(ctx, job); err != nil {
		observability.FailJob(domain.QueueChat)
		return err
	}
	observability.CompleteJob(domain.QueueChat)
	return nil
}

func (e *Executor) chat(ctx domain.Context, job domain.ChatJobData) error {
	msg, err := e.deps.Messages.Get(ctx, job.MessageID)
	if err != nil {
		return fmt.Errorf("op=orchestrator.chat: %w", err)
	}
	iter, err := e.deps.Iterations.Get(ctx, job.StateID)
	if err != nil {
		return fmt.Errorf("op=orchestrator.chat: %w", err)
	}

	start := e.now()
	e.publish(ctx, job.ConversationID, domain.Event{
		Type:      domain.EventJobStarted,
		JobID:     job.MessageID,
		MessageID: job.MessageID,
		StateID:   job.StateID,
	})

	res, err := e.deps.Agents.Reply.Reply(ctx, domain.ReplyInput{
		Question:       job.Question,
		IsFinal:        true,
		IterationCount: 1,
	})
	if err != nil {
		iter.Status = domain.IterationFailed
		iter.Error = err.Error()
		_ = e.deps.Iterations.Update(ctx, iter)
		e.publish(ctx, job.ConversationID, domain.Event{
			Type:      domain.EventJobFailed,
			JobID:     job.MessageID,
			MessageID: job.MessageID,
			Error:     err.Error(),
		})
		return fmt.Errorf("op=orchestrator.chat: %w", err)
	}

	elapsed := e.now().Sub(start).Seconds()
	if err := e.deps.Messages.UpdateContent(ctx, msg.ID, res.Reply, res.Summary, elapsed); err != nil {
		return fmt.Errorf("op=orchestrator.chat: %w", err)
	}
	iter.Status = domain.IterationCompleted
	if err := e.deps.Iterations.Update(ctx, iter); err != nil {
		return fmt.Errorf("op=orchestrator.chat: %w", err)
	}
	e.publish(ctx, job.ConversationID, domain.Event{
		Type:      domain.EventMessageUpdated,
		JobID:     job.MessageID,
		MessageID: msg.ID,
		StateID:   job.StateID,
	})
	e.publish(ctx, job.ConversationID, domain.Event{
		Type:      domain.EventJobCompleted,
		JobID:     job.MessageID,
		MessageID: job.MessageID,
		StateID:   job.StateID,
	})
	return nil
}
