// Package orchestrator runs deep-research iterations: the
// bootstrap-through-reply stage machine, the chain controller, the
// file-ready barrier, and the file-ingest and chat queue handlers.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// Deps collects everything the executor needs.
type Deps struct {
	Conversations domain.ConversationRepository
	States        domain.ConversationStateRepository
	Messages      domain.MessageRepository
	Iterations    domain.IterationStateRepository
	Files         domain.FileRepository
	Queue         domain.Queue
	Bus           domain.Notifier
	Locks         domain.Locker
	Credits       domain.CreditService
	Agents        domain.Agents
	Gate          config.GatePolicy
	Cfg           config.Config

	// AttemptInfo reports the delivery attempt and cap for the job bound
	// to ctx. Left nil, every attempt counts as the last one.
	AttemptInfo func(ctx domain.Context) (attempt, maxAttempts int)
}

// Executor runs one deep-research iteration per delivered job.
type Executor struct {
	deps Deps
	now  func() time.Time
}

// New builds an Executor.
func New(deps Deps) *Executor {
	return &Executor{deps: deps, now: time.Now}
}

// maxAutoIterations returns the chain depth cap for a research mode.
func (e *Executor) maxAutoIterations(mode domain.ResearchMode) int {
	switch mode {
	case domain.ModeSteering:
		return 1
	case domain.ModeFullyAutonomous:
		return 20
	default:
		n := e.deps.Cfg.MaxAutoIterations
		if n <= 0 {
			n = 5
		}
		return n
	}
}

func (e *Executor) attemptInfo(ctx domain.Context) (int, int) {
	if e.deps.AttemptInfo == nil {
		return 1, 1
	}
	return e.deps.AttemptInfo(ctx)
}

// publish is best-effort; bus failures never fail the iteration.
func (e *Executor) publish(ctx domain.Context, conversationID string, ev domain.Event) {
	if err := e.deps.Bus.Publish(ctx, conversationID, ev); err != nil {
		slog.Warn("event publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
	}
}

func (e *Executor) progress(ctx domain.Context, job domain.DeepResearchJobData, stage string, percent int) {
	e.publish(ctx, job.ConversationID, domain.Event{
		Type:      domain.EventJobProgress,
		JobID:     job.MessageID,
		MessageID: job.MessageID,
		StateID:   job.StateID,
		Progress:  &domain.Progress{Stage: stage, Percent: percent},
	})
}

// HandleDeepResearch is the deep_research queue handler. It keeps the
// iteration heartbeat ticking for the whole run so the stalled sweeper
// can tell live work from abandoned work.
func (e *Executor) HandleDeepResearch(ctx domain.Context, payload []byte) error {
	var job domain.DeepResearchJobData
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=orchestrator.decode: %w: %v", domain.ErrInvalidArgument, err)
	}

	stop := e.startHeartbeat(ctx, job.StateID)
	defer stop()

	observability.StartProcessingJob(domain.QueueDeepResearch)
	start := e.now()
	err := e.run(ctx, job)
	observability.IterationDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		observability.FailJob(domain.QueueDeepResearch)
		return e.fail(ctx, job, err)
	}
	observability.CompleteJob(domain.QueueDeepResearch)
	return nil
}

func (e *Executor) startHeartbeat(ctx domain.Context, iterationStateID string) func() {
	interval := e.deps.Cfg.IterationHeartbeat
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := e.deps.Iterations.Touch(ctx, iterationStateID); err != nil {
					slog.Warn("iteration heartbeat failed",
						slog.String("iteration_state_id", iterationStateID), slog.Any("error", err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// fail applies the failure semantics: data errors are terminal at once
// and never bill; anything else is retried by the queue, and only the
// last attempt marks the iteration failed and refunds the chain.
func (e *Executor) fail(ctx domain.Context, job domain.DeepResearchJobData, cause error) error {
	attempt, maxAttempts := e.attemptInfo(ctx)
	dataErr := errors.Is(cause, domain.ErrNotFound) || errors.Is(cause, domain.ErrInvalidArgument)
	final := dataErr || attempt >= maxAttempts

	slog.Error("iteration failed",
		slog.String("job_id", job.MessageID),
		slog.Int("iteration", job.IterationNumber),
		slog.String("message_id", job.MessageID),
		slog.Int("attempt", attempt),
		slog.Bool("final", final),
		slog.Any("error", cause))

	if !final {
		return cause
	}

	if iter, err := e.deps.Iterations.Get(ctx, job.StateID); err == nil {
		iter.Status = domain.IterationFailed
		iter.Error = cause.Error()
		if err := e.deps.Iterations.Update(ctx, iter); err != nil {
			slog.Error("failed to mark iteration failed", slog.Any("error", err))
		}
	}
	e.publish(ctx, job.ConversationID, domain.Event{
		Type:      domain.EventJobFailed,
		JobID:     job.MessageID,
		MessageID: job.MessageID,
		StateID:   job.StateID,
		Error:     cause.Error(),
	})
	if !dataErr {
		if err := e.deps.Credits.Refund(ctx, job.RootJobID); err != nil {
			slog.Error("credit refund failed",
				slog.String("root_job_id", job.RootJobID), slog.Any("error", err))
		}
	}
	return cause
}

// iterationRun carries one iteration's working set between stages.
type iterationRun struct {
	job               domain.DeepResearchJobData
	msg               domain.Message
	iter              domain.IterationState
	state             domain.ConversationState
	mode              domain.ResearchMode
	maxIterations     int
	sessionStartLevel int
	newLevel          int
	willContinue      bool
	startedAt         time.Time
}

func (e *Executor) run(ctx domain.Context, job domain.DeepResearchJobData) error {
	r, err := e.bootstrap(ctx, job)
	if err != nil {
		return err
	}
	e.publish(ctx, job.ConversationID, domain.Event{
		Type:      domain.EventJobStarted,
		JobID:     job.MessageID,
		MessageID: job.MessageID,
		StateID:   job.StateID,
	})

	if job.IsInitialIteration {
		e.waitForFiles(ctx, job.ConversationStateID)
		// Pick up datasets the barrier let through.
		state, err := e.deps.States.Get(ctx, job.ConversationStateID)
		if err != nil {
			return fmt.Errorf("op=orchestrator.refresh_state: %w", err)
		}
		state.ResearchMode = r.mode
		r.state = state
	}

	if err := e.plan(ctx, r); err != nil {
		return err
	}
	if err := e.fanOut(ctx, r); err != nil {
		return err
	}
	if err := e.hypothesize(ctx, r); err != nil {
		return err
	}
	if err := e.reflectAndDiscover(ctx, r); err != nil {
		return err
	}
	if err := e.planNext(ctx, r); err != nil {
		return err
	}
	if err := e.decideContinue(ctx, r); err != nil {
		return err
	}
	if err := e.reply(ctx, r); err != nil {
		return err
	}
	return e.chainOrComplete(ctx, r)
}

// bootstrap loads the working set and reconciles the mode. A
// missing record is a data error, terminal on the first attempt.
func (e *Executor) bootstrap(ctx domain.Context, job domain.DeepResearchJobData) (*iterationRun, error) {
	msg, err := e.deps.Messages.Get(ctx, job.MessageID)
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.bootstrap message: %w", err)
	}
	iter, err := e.deps.Iterations.Get(ctx, job.StateID)
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.bootstrap iteration_state: %w", err)
	}
	state, err := e.deps.States.Get(ctx, job.ConversationStateID)
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.bootstrap conversation_state: %w", err)
	}

	mode := job.ResearchMode
	if !mode.Valid() {
		mode = state.ResearchMode
	}
	if !mode.Valid() {
		mode = domain.ModeSemiAutonomous
	}
	state.ResearchMode = mode

	iter.IsDeepResearch = true
	iter.Status = domain.IterationRunning
	iter.Error = ""
	if iter.Values == nil {
		iter.Values = map[string]any{}
	}
	// The stalled sweeper only sees the iteration state; it needs the
	// chain correlator to refund abandoned work.
	iter.Values["root_job_id"] = job.RootJobID
	iter.Values["iteration_number"] = job.IterationNumber
	if err := e.deps.Iterations.Update(ctx, iter); err != nil {
		return nil, fmt.Errorf("op=orchestrator.bootstrap: %w", err)
	}

	sessionStart := state.CurrentLevel - 2
	if sessionStart < 0 {
		sessionStart = 0
	}
	return &iterationRun{
		job:               job,
		msg:               msg,
		iter:              iter,
		state:             state,
		mode:              mode,
		maxIterations:     e.maxAutoIterations(mode),
		sessionStartLevel: sessionStart,
		startedAt:         e.now(),
	}, nil
}

// plan is the planning stage. Initial iterations plan a fresh level; continuation
// iterations work the level the predecessor promoted.
func (e *Executor) plan(ctx domain.Context, r *iterationRun) error {
	if !r.job.IsInitialIteration {
		r.newLevel = domain.PlanLevel(r.state.Plan)
		return nil
	}
	e.progress(ctx, r.job, "planning", 5)

	question := r.job.Message
	if question == "" {
		question = r.msg.Question
	}
	res, err := e.deps.Agents.Planning.Plan(ctx, domain.PlanningInput{
		Mode:     domain.PlanInitial,
		Question: question,
		State:    r.state,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.plan: %w", err)
	}

	r.newLevel = r.state.CurrentLevel + 1
	r.state.SuggestedNextSteps = nil
	if len(res.Plan) > 0 {
		r.state.AppendPlan(res.Plan, r.newLevel)
	}
	if res.CurrentObjective != "" {
		r.state.CurrentObjective = res.CurrentObjective
	}
	if r.state.Objective == "" {
		r.state.Objective = question
	}
	if err := e.deps.States.Update(ctx, r.state); err != nil {
		return fmt.Errorf("op=orchestrator.plan: %w", err)
	}
	return nil
}

// hypothesize always runs, on whatever outputs the fan-out produced.
func (e *Executor) hypothesize(ctx domain.Context, r *iterationRun) error {
	e.progress(ctx, r.job, "hypothesis", 70)
	completed := domain.CompletedTasksInRange(r.state.Plan, r.newLevel, r.newLevel)
	res, err := e.deps.Agents.Hypothesis.Hypothesize(ctx, domain.HypothesisInput{
		State:          r.state,
		CompletedTasks: completed,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.hypothesis: %w", err)
	}
	r.state.CurrentHypothesis = res.Hypothesis
	if err := e.deps.States.Update(ctx, r.state); err != nil {
		return fmt.Errorf("op=orchestrator.hypothesis: %w", err)
	}
	return nil
}

// reflectAndDiscover follows the hypothesis. Reflection is load-bearing; discovery is
// gated and best-effort.
func (e *Executor) reflectAndDiscover(ctx domain.Context, r *iterationRun) error {
	e.progress(ctx, r.job, "reflection", 85)
	completed := domain.CompletedTasksInRange(r.state.Plan, r.newLevel, r.newLevel)

	runDiscovery := e.discoveryAllowed(ctx, r, completed)

	type discoveryOut struct {
		res domain.DiscoveryResult
		err error
	}
	var discoveryCh chan discoveryOut
	if runDiscovery {
		discoveryCh = make(chan discoveryOut, 1)
		go func() {
			res, err := e.deps.Agents.Discovery.Discover(ctx, domain.DiscoveryInput{
				State:          r.state,
				CompletedTasks: completed,
			})
			discoveryCh <- discoveryOut{res: res, err: err}
		}()
	}

	ref, err := e.deps.Agents.Reflection.Reflect(ctx, domain.ReflectionInput{
		State:          r.state,
		CompletedTasks: completed,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.reflect: %w", err)
	}

	if ref.Objective != "" && ref.Objective != r.state.Objective {
		r.state.Objective = ref.Objective
		e.publish(ctx, r.job.ConversationID, domain.Event{
			Type:        domain.EventStateUpdated,
			JobID:       r.job.MessageID,
			StateID:     r.job.ConversationStateID,
			Description: "root objective changed",
		})
	}
	if ref.ConversationTitle != "" {
		r.state.ConversationTitle = ref.ConversationTitle
	}
	if ref.CurrentObjective != "" {
		r.state.CurrentObjective = ref.CurrentObjective
	}
	if len(ref.KeyInsights) > 0 {
		r.state.KeyInsights = ref.KeyInsights
	}
	if ref.Methodology != "" {
		r.state.Methodology = ref.Methodology
	}

	if runDiscovery {
		out := <-discoveryCh
		if out.err != nil {
			slog.Warn("discovery failed, continuing without",
				slog.String("job_id", r.job.MessageID), slog.Any("error", out.err))
		} else {
			r.state.Discoveries = append(r.state.Discoveries, out.res.Discoveries...)
		}
	}

	if err := e.deps.States.Update(ctx, r.state); err != nil {
		return fmt.Errorf("op=orchestrator.reflect: %w", err)
	}
	return nil
}

func (e *Executor) discoveryAllowed(ctx domain.Context, r *iterationRun, completed []domain.PlanTask) bool {
	msgCount, err := e.deps.Conversations.CountMessages(ctx, r.job.ConversationID)
	if err != nil {
		slog.Warn("message count unavailable, skipping discovery", slog.Any("error", err))
		return false
	}
	analysisDone := 0
	for _, t := range completed {
		if t.Type == domain.TaskAnalysis {
			analysisDone++
		}
	}
	return e.deps.Gate.Allow(msgCount, len(completed), analysisDone, r.job.IterationNumber)
}

// planNext proposes follow-up work as suggestions.
func (e *Executor) planNext(ctx domain.Context, r *iterationRun) error {
	res, err := e.deps.Agents.Planning.Plan(ctx, domain.PlanningInput{
		Mode:  domain.PlanNext,
		State: r.state,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.plan_next: %w", err)
	}
	if len(res.Plan) > 0 {
		r.state.SuggestedNextSteps = res.Plan
		if res.CurrentObjective != "" {
			r.state.CurrentObjective = res.CurrentObjective
		}
	}
	if err := e.deps.States.Update(ctx, r.state); err != nil {
		return fmt.Errorf("op=orchestrator.plan_next: %w", err)
	}
	return nil
}

// decideContinue settles the chain question. The continue agent only gets a say when the
// cap leaves room and there is suggested work to do.
func (e *Executor) decideContinue(ctx domain.Context, r *iterationRun) error {
	r.willContinue = false
	if r.job.IterationNumber >= r.maxIterations || len(r.state.SuggestedNextSteps) == 0 {
		return nil
	}
	d, err := e.deps.Agents.Continue.Decide(ctx, domain.ContinueInput{
		State:           r.state,
		IterationNumber: r.job.IterationNumber,
		MaxIterations:   r.maxIterations,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.decide: %w", err)
	}
	slog.Info("continue decision",
		slog.String("job_id", r.job.MessageID),
		slog.Int("iteration", r.job.IterationNumber),
		slog.Bool("should_continue", d.ShouldContinue),
		slog.Float64("confidence", d.Confidence),
		slog.String("trigger", d.TriggerReason))
	r.willContinue = d.ShouldContinue
	return nil
}

// reply writes the user-facing answer onto the Message.
func (e *Executor) reply(ctx domain.Context, r *iterationRun) error {
	e.progress(ctx, r.job, "reply", 95)
	sessionTasks := domain.CompletedTasksInRange(r.state.Plan, r.sessionStartLevel, r.newLevel)
	res, err := e.deps.Agents.Reply.Reply(ctx, domain.ReplyInput{
		Question:       r.msg.Question,
		State:          r.state,
		SessionTasks:   sessionTasks,
		IsFinal:        !r.willContinue,
		IterationCount: r.job.IterationNumber,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.reply: %w", err)
	}
	elapsed := e.now().Sub(r.startedAt).Seconds()
	if err := e.deps.Messages.UpdateContent(ctx, r.msg.ID, res.Reply, res.Summary, elapsed); err != nil {
		return fmt.Errorf("op=orchestrator.reply: %w", err)
	}
	e.publish(ctx, r.job.ConversationID, domain.Event{
		Type:      domain.EventMessageUpdated,
		JobID:     r.job.MessageID,
		MessageID: r.msg.ID,
		StateID:   r.job.StateID,
	})
	return nil
}
