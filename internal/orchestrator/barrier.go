package orchestrator

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// waitForFiles is the file-ready barrier: before initial planning,
// block until every ingest record attached to the conversation state is
// terminal. A record in error is only logged, planning proceeds without
// it. On timeout the barrier gives up with a warning rather than
// failing the iteration.
func (e *Executor) waitForFiles(ctx domain.Context, conversationStateID string) {
	poll := e.deps.Cfg.FileBarrierPoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	timeout := e.deps.Cfg.FileBarrierTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	deadline := e.now().Add(timeout)

	for {
		pending, err := e.deps.Files.ListNonTerminalByStateID(ctx, conversationStateID)
		if err != nil {
			slog.Warn("file barrier listing failed, proceeding",
				slog.String("conversation_state_id", conversationStateID), slog.Any("error", err))
			return
		}
		if len(pending) == 0 {
			return
		}
		if e.now().After(deadline) {
			slog.Warn("file barrier timed out, planning without pending datasets",
				slog.String("conversation_state_id", conversationStateID),
				slog.Int("pending", len(pending)))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}
