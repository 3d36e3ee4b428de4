// Package usecase contains the application services behind the ingress
// API: starting research chains, chat turns, and dataset uploads.
package usecase

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// ResearchService persists the records a deep-research chain starts
// from and enqueues its first iteration.
type ResearchService struct {
	Conversations domain.ConversationRepository
	States        domain.ConversationStateRepository
	Messages      domain.MessageRepository
	Iterations    domain.IterationStateRepository
	Queue         domain.Queue
}

// NewResearchService constructs a ResearchService with its dependencies.
func NewResearchService(
	conv domain.ConversationRepository,
	states domain.ConversationStateRepository,
	msgs domain.MessageRepository,
	iters domain.IterationStateRepository,
	q domain.Queue,
) ResearchService {
	return ResearchService{Conversations: conv, States: states, Messages: msgs, Iterations: iters, Queue: q}
}

// StartResearchInput is the ingress request for one research message.
// ConversationStateID is empty on the conversation's first message; the
// service then creates the state and returns its id for subsequent
// requests.
type StartResearchInput struct {
	UserID              string
	ConversationID      string
	ConversationStateID string
	Question            string
	ResearchMode        domain.ResearchMode
	DeepResearch        bool
}

// StartResearchOutput identifies the records the request created.
type StartResearchOutput struct {
	MessageID           string
	IterationStateID    string
	ConversationStateID string
	JobID               string
}

// StartResearch persists the Message and IterationState, then enqueues
// the first iteration with jobID = messageID. The message id doubles as
// the chain's rootJobId.
func (s ResearchService) StartResearch(ctx domain.Context, in StartResearchInput) (StartResearchOutput, error) {
	if in.UserID == "" || in.ConversationID == "" || in.Question == "" {
		return StartResearchOutput{}, fmt.Errorf("op=usecase.start_research: %w: user, conversation, and question required", domain.ErrInvalidArgument)
	}
	if in.ResearchMode != "" && !in.ResearchMode.Valid() {
		return StartResearchOutput{}, fmt.Errorf("op=usecase.start_research: %w: unknown research mode %q", domain.ErrInvalidArgument, in.ResearchMode)
	}

	if err := s.Conversations.Ensure(ctx, domain.Conversation{
		ID:        in.ConversationID,
		UserID:    in.UserID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return StartResearchOutput{}, fmt.Errorf("op=usecase.start_research: %w", err)
	}

	stateID := in.ConversationStateID
	if stateID == "" {
		var err error
		stateID, err = s.States.Create(ctx, domain.ConversationState{
			ConversationID: in.ConversationID,
			Objective:      in.Question,
			CurrentLevel:   -1,
			ResearchMode:   in.ResearchMode,
		})
		if err != nil {
			return StartResearchOutput{}, fmt.Errorf("op=usecase.start_research: %w", err)
		}
	}

	messageID := ulid.Make().String()
	if _, err := s.Messages.Create(ctx, domain.Message{
		ID:             messageID,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Question:       in.Question,
		Source:         "user",
		StateID:        stateID,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return StartResearchOutput{}, fmt.Errorf("op=usecase.start_research: %w", err)
	}
	iterID, err := s.Iterations.Create(ctx, domain.IterationState{
		MessageID:      messageID,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Source:         sourceFor(in.DeepResearch),
		IsDeepResearch: in.DeepResearch,
	})
	if err != nil {
		return StartResearchOutput{}, fmt.Errorf("op=usecase.start_research: %w", err)
	}

	if in.DeepResearch {
		err = s.Queue.EnqueueDeepResearch(ctx, messageID, domain.DeepResearchJobData{
			UserID:              in.UserID,
			ConversationID:      in.ConversationID,
			MessageID:           messageID,
			StateID:             iterID,
			ConversationStateID: stateID,
			RequestedAt:         time.Now().UTC(),
			ResearchMode:        in.ResearchMode,
			IterationNumber:     1,
			RootJobID:           messageID,
			IsInitialIteration:  true,
			Message:             in.Question,
		})
	} else {
		err = s.Queue.EnqueueChat(ctx, messageID, domain.ChatJobData{
			UserID:         in.UserID,
			ConversationID: in.ConversationID,
			MessageID:      messageID,
			StateID:        iterID,
			Question:       in.Question,
		})
	}
	if err != nil {
		return StartResearchOutput{}, fmt.Errorf("op=usecase.start_research: %w", err)
	}
	return StartResearchOutput{
		MessageID:           messageID,
		IterationStateID:    iterID,
		ConversationStateID: stateID,
		JobID:               messageID,
	}, nil
}

func sourceFor(deep bool) string {
	if deep {
		return "deep-research"
	}
	return "chat"
}

// GetMessage returns a message with its iteration status resolved from
// the queue when still running.
func (s ResearchService) GetMessage(ctx domain.Context, id string) (domain.Message, error) {
	m, err := s.Messages.Get(ctx, id)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=usecase.get_message: %w", err)
	}
	return m, nil
}
