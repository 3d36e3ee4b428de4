package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

type harness struct {
	ex        *Executor
	conv      *fakeConversations
	states    *fakeStates
	msgs      *fakeMessages
	iters     *fakeIterations
	files     *fakeFiles
	queue     *fakeQueue
	bus       *fakeBus
	locks     *fakeLocker
	credits   *fakeCredits
	planning  *fakePlanning
	lit       *fakeLiterature
	analysis  *fakeAnalysis
	discovery *fakeDiscovery
	cont      *fakeContinue
	reply     *fakeReply
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		conv:      &fakeConversations{messageCount: 1},
		states:    &fakeStates{state: domain.ConversationState{ID: "cs-1", ConversationID: "c-1", CurrentLevel: -1, ResearchMode: domain.ModeSemiAutonomous}},
		msgs:      newFakeMessages(),
		iters:     newFakeIterations(),
		files:     newFakeFiles(),
		queue:     &fakeQueue{},
		bus:       &fakeBus{},
		locks:     newFakeLocker(),
		credits:   &fakeCredits{},
		planning:  &fakePlanning{},
		lit:       &fakeLiterature{source: domain.SourceEdison},
		analysis:  &fakeAnalysis{},
		discovery: &fakeDiscovery{},
		cont:      &fakeContinue{},
		reply:     &fakeReply{},
	}
	h.planning.fn = func(in domain.PlanningInput) (domain.PlanningResult, error) {
		if in.Mode == domain.PlanInitial {
			return domain.PlanningResult{
				Plan:             []domain.PlanTask{{Type: domain.TaskLiterature, Objective: "survey prior work"}},
				CurrentObjective: "initial objective",
			}, nil
		}
		return domain.PlanningResult{
			Plan: []domain.PlanTask{{Type: domain.TaskLiterature, Objective: "dig deeper"}},
		}, nil
	}
	h.ex = New(Deps{
		Conversations: h.conv,
		States:        h.states,
		Messages:      h.msgs,
		Iterations:    h.iters,
		Files:         h.files,
		Queue:         h.queue,
		Bus:           h.bus,
		Locks:         h.locks,
		Credits:       h.credits,
		Agents: domain.Agents{
			Planning:   h.planning,
			Literature: []domain.LiteratureAgent{h.lit},
			Analysis:   h.analysis,
			Hypothesis: &fakeHypothesis{},
			Reflection: &fakeReflection{},
			Discovery:  h.discovery,
			Continue:   h.cont,
			Reply:      h.reply,
		},
		Gate: config.GatePolicy{MinMessages: 2, MinCompletedTasks: 1},
		Cfg: config.Config{
			MaxAutoIterations:  5,
			FileBarrierPoll:    2 * time.Millisecond,
			FileBarrierTimeout: 40 * time.Millisecond,
			IterationHeartbeat: time.Hour,
			LockTTL:            time.Second,
		},
	})
	return h
}

// seedInitialJob persists the message and iteration state the ingress
// would create, and returns the first job of a chain.
func (h *harness) seedInitialJob(t *testing.T, mode domain.ResearchMode) domain.DeepResearchJobData {
	t.Helper()
	_, err := h.msgs.Create(context.Background(), domain.Message{
		ID: "m-1", ConversationID: "c-1", UserID: "u-1", Question: "why does X happen", StateID: "cs-1",
	})
	require.NoError(t, err)
	iterID, err := h.iters.Create(context.Background(), domain.IterationState{MessageID: "m-1", ConversationID: "c-1", UserID: "u-1"})
	require.NoError(t, err)
	return domain.DeepResearchJobData{
		UserID:              "u-1",
		ConversationID:      "c-1",
		MessageID:           "m-1",
		StateID:             iterID,
		ConversationStateID: "cs-1",
		RequestedAt:         time.Now(),
		ResearchMode:        mode,
		IterationNumber:     1,
		RootJobID:           "m-1",
		IsInitialIteration:  true,
		Message:             "why does X happen",
	}
}

// runChain drains the queue the way the worker would, one iteration at
// a time.
func (h *harness) runChain(t *testing.T, first domain.DeepResearchJobData) int {
	t.Helper()
	job := first
	iterations := 0
	for {
		payload, err := json.Marshal(job)
		require.NoError(t, err)
		require.NoError(t, h.ex.HandleDeepResearch(context.Background(), payload))
		iterations++
		next, ok := h.queue.pop()
		if !ok {
			return iterations
		}
		require.Equal(t, next.payload.MessageID, next.jobID, "job id must equal message id")
		job = next.payload
	}
}

func TestExecutor_SemiAutonomousChainOfThree(t *testing.T) {
	h := newHarness(t)
	h.cont.answers = []bool{true, true, false}

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	assert.Equal(t, 3, ran)

	// Three messages, all answered with a response time.
	assert.Equal(t, 3, h.msgs.count())
	for id, m := range h.msgs.byID {
		assert.NotEmpty(t, m.Content, "message %s content", id)
		require.NotNil(t, m.responseTime, "message %s response time", id)
	}

	// Plan grew one level per iteration.
	levels := map[int]bool{}
	for _, task := range h.states.state.Plan {
		levels[task.Level] = true
		assert.True(t, task.Done(), "task %s must be terminal", task.ID)
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, levels)
	assert.Equal(t, 2, h.states.state.CurrentLevel)

	// Credit settled exactly once, for the whole chain.
	require.Len(t, h.credits.completes, 1)
	assert.Equal(t, creditCall{rootJobID: "m-1", iterations: 3}, h.credits.completes[0])
	assert.Empty(t, h.credits.refunds)
}

func TestExecutor_SteeringForcesSingleIteration(t *testing.T) {
	h := newHarness(t)
	h.cont.answers = []bool{true} // would continue, but steering clamps first

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSteering))
	assert.Equal(t, 1, ran)

	// The continue agent never gets a say at the cap.
	assert.Equal(t, 0, h.cont.calls)
	assert.Equal(t, 1, h.msgs.count())
	require.Len(t, h.credits.completes, 1)
	assert.Equal(t, creditCall{rootJobID: "m-1", iterations: 1}, h.credits.completes[0])
	// Suggestions are retained for the user to steer with.
	assert.NotEmpty(t, h.states.state.SuggestedNextSteps)
}

func TestExecutor_ResumeSkipsEndedTasks(t *testing.T) {
	h := newHarness(t)
	end := time.Now()
	h.states.state.Plan = []domain.PlanTask{
		{ID: "lit-0", Type: domain.TaskLiterature, Level: 0, Objective: "done already", End: &end, Output: "cached"},
		{ID: "lit-0.2", Type: domain.TaskLiterature, Level: 0, Objective: "still open"},
	}
	h.states.state.CurrentLevel = 0

	job := h.seedInitialJob(t, domain.ModeSemiAutonomous)
	job.IsInitialIteration = false // redelivery after a crash mid-fan-out

	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, h.ex.HandleDeepResearch(context.Background(), payload))

	require.Equal(t, 1, h.lit.callCount())
	assert.Equal(t, "still open", h.lit.calls[0].Objective)
	assert.Equal(t, "cached", h.states.state.Plan[0].Output)
	assert.True(t, h.states.state.Plan[1].Done())
}

func TestExecutor_MissingIterationStateIsNonRetryable(t *testing.T) {
	h := newHarness(t)
	job := h.seedInitialJob(t, domain.ModeSemiAutonomous)
	job.StateID = "missing"

	payload, err := json.Marshal(job)
	require.NoError(t, err)
	err = h.ex.HandleDeepResearch(context.Background(), payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	types := h.bus.typesOf()
	assert.Equal(t, []domain.EventType{domain.EventJobFailed}, types)
	assert.Empty(t, h.credits.completes, "missing records never bill")
	assert.Empty(t, h.credits.refunds, "missing records never refund")
}

func TestExecutor_EventOrdering(t *testing.T) {
	h := newHarness(t)
	// Nothing to suggest, so the first iteration is final.
	h.planning.fn = func(in domain.PlanningInput) (domain.PlanningResult, error) {
		if in.Mode == domain.PlanInitial {
			return domain.PlanningResult{Plan: []domain.PlanTask{{Type: domain.TaskLiterature, Objective: "survey"}}}, nil
		}
		return domain.PlanningResult{}, nil
	}

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	require.Equal(t, 1, ran)

	types := h.bus.typesOf()
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventJobStarted, types[0])

	idx := map[domain.EventType]int{}
	counts := map[domain.EventType]int{}
	for i, typ := range types {
		idx[typ] = i
		counts[typ]++
	}
	assert.Equal(t, 1, counts[domain.EventMessageUpdated])
	assert.Equal(t, 1, counts[domain.EventJobCompleted])
	assert.Zero(t, counts[domain.EventJobFailed])
	assert.Less(t, idx[domain.EventMessageUpdated], idx[domain.EventJobCompleted],
		"message:updated must precede job:completed")
}

func TestExecutor_FileBarrierRefreshesState(t *testing.T) {
	h := newHarness(t)
	var calls int
	h.files.listFn = func() []domain.FileRecord {
		calls++
		if calls == 1 {
			// Ingest completes between polls and registers its dataset.
			h.states.mu.Lock()
			h.states.state.UploadedDatasets = []domain.Dataset{{ID: "f-1", Filename: "data.csv"}}
			h.states.mu.Unlock()
			return []domain.FileRecord{{ID: "f-1", Status: domain.FileProcessing}}
		}
		return nil
	}

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	require.GreaterOrEqual(t, ran, 1)

	require.NotEmpty(t, h.planning.inputs)
	assert.Len(t, h.planning.inputs[0].State.UploadedDatasets, 1,
		"planning must see datasets the barrier waited for")
	assert.GreaterOrEqual(t, calls, 2)
}

func TestExecutor_FileBarrierTimesOutAndProceeds(t *testing.T) {
	h := newHarness(t)
	h.files.listFn = func() []domain.FileRecord {
		return []domain.FileRecord{{ID: "f-stuck", Status: domain.FileProcessing}}
	}

	start := time.Now()
	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	require.GreaterOrEqual(t, ran, 1)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NotEmpty(t, h.planning.inputs)
	assert.Empty(t, h.planning.inputs[0].State.UploadedDatasets)
}

func TestExecutor_FinalFailureRefundsOnce(t *testing.T) {
	h := newHarness(t)
	h.reply.err = domain.ErrAgentTimeout
	h.ex.deps.AttemptInfo = func(domain.Context) (int, int) { return 2, 2 }

	job := h.seedInitialJob(t, domain.ModeSemiAutonomous)
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	err = h.ex.HandleDeepResearch(context.Background(), payload)
	require.Error(t, err)

	require.Len(t, h.credits.refunds, 1)
	assert.Equal(t, "m-1", h.credits.refunds[0])
	assert.Empty(t, h.credits.completes)

	iter := h.iters.byID[job.StateID]
	assert.Equal(t, domain.IterationFailed, iter.Status)
	assert.NotEmpty(t, iter.Error)

	types := h.bus.typesOf()
	assert.Equal(t, domain.EventJobFailed, types[len(types)-1])
}

func TestExecutor_RetryableFailureDoesNotRefund(t *testing.T) {
	h := newHarness(t)
	h.reply.err = domain.ErrAgentTimeout
	h.ex.deps.AttemptInfo = func(domain.Context) (int, int) { return 1, 2 }

	job := h.seedInitialJob(t, domain.ModeSemiAutonomous)
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.Error(t, h.ex.HandleDeepResearch(context.Background(), payload))

	assert.Empty(t, h.credits.refunds)
	for _, typ := range h.bus.typesOf() {
		assert.NotEqual(t, domain.EventJobFailed, typ, "job:failed only fires on the final attempt")
	}
	assert.Equal(t, domain.IterationRunning, h.iters.byID[job.StateID].Status)
}

func TestExecutor_AnalysisFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	h.analysis.err = domain.ErrAgentTimeout
	h.planning.fn = func(in domain.PlanningInput) (domain.PlanningResult, error) {
		if in.Mode == domain.PlanInitial {
			return domain.PlanningResult{Plan: []domain.PlanTask{
				{Type: domain.TaskLiterature, Objective: "survey"},
				{Type: domain.TaskAnalysis, Objective: "crunch numbers", Datasets: []string{"f-1"}},
			}}, nil
		}
		return domain.PlanningResult{}, nil
	}

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	require.Equal(t, 1, ran)

	ana := h.states.state.FindTask("ana-0")
	require.NotNil(t, ana)
	assert.True(t, ana.Done())
	assert.Contains(t, ana.Output, "error:")

	// The iteration still completed and billed.
	require.Len(t, h.credits.completes, 1)
	assert.Empty(t, h.credits.refunds)
}

func TestExecutor_DiscoveryGateAndObjectiveRewrite(t *testing.T) {
	h := newHarness(t)
	h.conv.messageCount = 5
	h.ex.deps.Agents.Reflection = &fakeReflection{objective: "entirely new framing"}

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	require.Equal(t, 1, ran)

	assert.Equal(t, 1, h.discovery.calls)
	assert.Equal(t, []string{"novel finding"}, h.states.state.Discoveries)
	assert.Equal(t, "entirely new framing", h.states.state.Objective)

	var sawRewrite bool
	for _, ev := range h.bus.events {
		if ev.Type == domain.EventStateUpdated && ev.Description == "root objective changed" {
			sawRewrite = true
		}
	}
	assert.True(t, sawRewrite, "objective rewrite must surface on the bus")
}

func TestExecutor_DiscoveryFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.conv.messageCount = 5
	h.discovery.err = domain.ErrAgentTimeout

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	require.Equal(t, 1, ran)
	assert.Empty(t, h.states.state.Discoveries)
	require.Len(t, h.credits.completes, 1)
}

func TestExecutor_LiteratureFanOutLabelsSources(t *testing.T) {
	h := newHarness(t)
	second := &fakeLiterature{source: domain.SourceKnowledge, out: "local notes"}
	failing := &fakeLiterature{source: domain.SourceOpenScholar, err: domain.ErrAgentTimeout}
	h.ex.deps.Agents.Literature = []domain.LiteratureAgent{h.lit, second, failing}

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	require.Equal(t, 1, ran)

	task := h.states.state.FindTask("lit-0")
	require.NotNil(t, task)
	assert.Contains(t, task.Output, "[EDISON]")
	assert.Contains(t, task.Output, "[KNOWLEDGE]")
	assert.Contains(t, task.Output, "local notes")
	assert.Contains(t, task.Output, "[OPENSCHOLAR] error:")
}

func TestExecutor_MaxIterationClampWithoutContinueAgent(t *testing.T) {
	h := newHarness(t)
	// Always willing to continue; the cap must stop the chain.
	h.cont.answers = []bool{true, true, true, true, true, true, true}
	h.ex.deps.Cfg.MaxAutoIterations = 3

	ran := h.runChain(t, h.seedInitialJob(t, domain.ModeSemiAutonomous))
	assert.Equal(t, 3, ran)
	require.Len(t, h.credits.completes, 1)
	assert.Equal(t, 3, h.credits.completes[0].iterations)
}

func TestHandleFileIngest_ConcurrentAddsKeepBothDatasets(t *testing.T) {
	h := newHarness(t)
	jobs := []domain.FileIngestJobData{
		{FileID: "f-1", ConversationID: "c-1", ConversationStateID: "cs-1", Filename: "a.csv"},
		{FileID: "f-2", ConversationID: "c-1", ConversationStateID: "cs-1", Filename: "b.csv"},
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.ex.HandleFileIngest(context.Background(), payload))
		}()
	}
	wg.Wait()

	assert.Len(t, h.states.state.UploadedDatasets, 2, "no lost update")
	assert.Equal(t, domain.FileReady, h.files.status["f-1"])
	assert.Equal(t, domain.FileReady, h.files.status["f-2"])
	assert.Equal(t, 2, h.locks.holds)
}

func TestHandleFileIngest_KeepsConcurrentTaskCompletion(t *testing.T) {
	h := newHarness(t)
	started := time.Now().UTC()
	h.states.state.CurrentLevel = 0
	h.states.state.Plan = []domain.PlanTask{{
		ID:        "lit-0",
		Type:      domain.TaskLiterature,
		Level:     0,
		Objective: "survey prior work",
		Start:     &started,
	}}

	// While the ingest handler holds its state snapshot, an iteration
	// finishes the running task and persists the plan. The dataset
	// write-back must not undo that.
	h.states.onGet = func() {
		h.states.onGet = nil
		s, err := h.states.Get(context.Background(), "cs-1")
		require.NoError(t, err)
		end := time.Now().UTC()
		s.Plan[0].End = &end
		s.Plan[0].Output = "[EDISON]\nfindings"
		require.NoError(t, h.states.Update(context.Background(), s))
	}

	payload, err := json.Marshal(domain.FileIngestJobData{
		FileID:              "f-9",
		ConversationID:      "c-1",
		ConversationStateID: "cs-1",
		Filename:            "exp.csv",
	})
	require.NoError(t, err)
	require.NoError(t, h.ex.HandleFileIngest(context.Background(), payload))

	require.Len(t, h.states.state.UploadedDatasets, 1)
	assert.Equal(t, "f-9", h.states.state.UploadedDatasets[0].ID)

	task := h.states.state.FindTask("lit-0")
	require.NotNil(t, task)
	require.NotNil(t, task.End, "ingest must not clobber the iteration's task completion")
	assert.Equal(t, "[EDISON]\nfindings", task.Output)
}

func TestHandleFileIngest_MissingStoredFileErrors(t *testing.T) {
	h := newHarness(t)
	job := domain.FileIngestJobData{
		FileID:              "f-3",
		ConversationID:      "c-1",
		ConversationStateID: "cs-1",
		Filename:            "gone.csv",
		StoragePath:         t.TempDir() + "/does-not-exist.csv",
	}
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	err = h.ex.HandleFileIngest(context.Background(), payload)
	require.Error(t, err)
	assert.Equal(t, domain.FileError, h.files.status["f-3"])
	assert.Empty(t, h.states.state.UploadedDatasets)

	var sawError bool
	for _, ev := range h.bus.events {
		if ev.Type == domain.EventFileError && ev.FileID == "f-3" {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestHandleChat_SinglePassReply(t *testing.T) {
	h := newHarness(t)
	_, err := h.msgs.Create(context.Background(), domain.Message{ID: "m-c", ConversationID: "c-1", Question: "quick question"})
	require.NoError(t, err)
	iterID, err := h.iters.Create(context.Background(), domain.IterationState{MessageID: "m-c"})
	require.NoError(t, err)

	payload, err := json.Marshal(domain.ChatJobData{
		ConversationID: "c-1", MessageID: "m-c", StateID: iterID, Question: "quick question",
	})
	require.NoError(t, err)
	require.NoError(t, h.ex.HandleChat(context.Background(), payload))

	m := h.msgs.byID["m-c"]
	assert.NotEmpty(t, m.Content)
	require.NotNil(t, m.responseTime)
	assert.Equal(t, domain.IterationCompleted, h.iters.byID[iterID].Status)
	assert.Empty(t, h.credits.completes, "chat never bills")
}
