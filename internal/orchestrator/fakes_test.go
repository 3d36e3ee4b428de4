package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// Hand-rolled fakes over the ports. Function fields override behavior
// per test; everything records calls under a mutex because fan-out and reflection
// run agents concurrently.

type fakeConversations struct {
	mu           sync.Mutex
	messageCount int
	countErr     error
}

func (f *fakeConversations) Get(domain.Context, string) (domain.Conversation, error) {
	return domain.Conversation{}, domain.ErrNotFound
}
func (f *fakeConversations) Ensure(domain.Context, domain.Conversation) error { return nil }
func (f *fakeConversations) CountMessages(domain.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messageCount, f.countErr
}

type fakeStates struct {
	mu      sync.Mutex
	state   domain.ConversationState
	getErr  error
	updates int

	// onGet runs after a Get returns its snapshot, outside the lock, so
	// tests can interleave writes with a reader holding a stale copy.
	onGet func()
}

// cloneState copies the slice-valued fields so a returned snapshot is
// detached from the stored record, matching the Postgres repo's value
// semantics.
func cloneState(s domain.ConversationState) domain.ConversationState {
	out := s
	out.Plan = append([]domain.PlanTask(nil), s.Plan...)
	out.SuggestedNextSteps = append([]domain.PlanTask(nil), s.SuggestedNextSteps...)
	out.KeyInsights = append([]string(nil), s.KeyInsights...)
	out.Discoveries = append([]string(nil), s.Discoveries...)
	out.UploadedDatasets = append([]domain.Dataset(nil), s.UploadedDatasets...)
	out.AgentNotes = append([]domain.AgentNote(nil), s.AgentNotes...)
	return out
}

func (f *fakeStates) Get(domain.Context, string) (domain.ConversationState, error) {
	f.mu.Lock()
	if f.getErr != nil {
		f.mu.Unlock()
		return domain.ConversationState{}, f.getErr
	}
	s := cloneState(f.state)
	hook := f.onGet
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s, nil
}

func (f *fakeStates) Create(_ domain.Context, s domain.ConversationState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	return s.ID, nil
}

func (f *fakeStates) Update(_ domain.Context, s domain.ConversationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.UploadedDatasets = f.state.UploadedDatasets
	f.state = cloneState(s)
	f.updates++
	return nil
}

func (f *fakeStates) UpdateDatasets(_ domain.Context, _ string, datasets []domain.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.UploadedDatasets = append([]domain.Dataset(nil), datasets...)
	f.updates++
	return nil
}

type storedMessage struct {
	domain.Message
	responseTime *float64
}

type fakeMessages struct {
	mu     sync.Mutex
	byID   map[string]*storedMessage
	getErr error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: map[string]*storedMessage{}}
}

func (f *fakeMessages) Get(_ domain.Context, id string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Message{}, f.getErr
	}
	m, ok := f.byID[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return m.Message, nil
}

func (f *fakeMessages) Create(_ domain.Context, m domain.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		return "", domain.ErrInvalidArgument
	}
	f.byID[m.ID] = &storedMessage{Message: m}
	return m.ID, nil
}

func (f *fakeMessages) UpdateContent(_ domain.Context, id, content, summary string, responseTime float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Content = content
	m.Summary = summary
	m.responseTime = &responseTime
	return nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeIterations struct {
	mu     sync.Mutex
	byID   map[string]domain.IterationState
	getErr error
	nextID int
}

func newFakeIterations() *fakeIterations {
	return &fakeIterations{byID: map[string]domain.IterationState{}}
}

func (f *fakeIterations) Get(_ domain.Context, id string) (domain.IterationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.IterationState{}, f.getErr
	}
	s, ok := f.byID[id]
	if !ok {
		return domain.IterationState{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeIterations) Create(_ domain.Context, s domain.IterationState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = fmt.Sprintf("iter-%d", f.nextID)
	f.byID[s.ID] = s
	return s.ID, nil
}

func (f *fakeIterations) Update(_ domain.Context, s domain.IterationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[s.ID] = s
	return nil
}

func (f *fakeIterations) Touch(_ domain.Context, id string) error { return nil }

type fakeFiles struct {
	mu     sync.Mutex
	listFn func() []domain.FileRecord
	status map[string]domain.FileStatus
	errs   map[string]string
	byID   map[string]domain.FileRecord
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		status: map[string]domain.FileStatus{},
		errs:   map[string]string{},
		byID:   map[string]domain.FileRecord{},
	}
}

func (f *fakeFiles) Get(_ domain.Context, id string) (domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return domain.FileRecord{ID: id}, nil
	}
	return r, nil
}

func (f *fakeFiles) Create(_ domain.Context, r domain.FileRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[r.ID] = r
	return r.ID, nil
}

func (f *fakeFiles) UpdateStatus(_ domain.Context, id string, st domain.FileStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = st
	f.errs[id] = errMsg
	return nil
}

func (f *fakeFiles) ListNonTerminalByStateID(domain.Context, string) ([]domain.FileRecord, error) {
	f.mu.Lock()
	fn := f.listFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(), nil
}

type enqueued struct {
	jobID   string
	payload domain.DeepResearchJobData
}

type fakeQueue struct {
	mu           sync.Mutex
	deepResearch []enqueued
	enqueueErr   error
}

func (f *fakeQueue) EnqueueDeepResearch(_ domain.Context, jobID string, p domain.DeepResearchJobData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.deepResearch = append(f.deepResearch, enqueued{jobID: jobID, payload: p})
	return nil
}

func (f *fakeQueue) EnqueueChat(domain.Context, string, domain.ChatJobData) error { return nil }
func (f *fakeQueue) EnqueueFileIngest(domain.Context, string, domain.FileIngestJobData) error {
	return nil
}
func (f *fakeQueue) JobState(domain.Context, string, string) (domain.JobState, error) {
	return domain.JobAbsent, nil
}

func (f *fakeQueue) pop() (enqueued, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deepResearch) == 0 {
		return enqueued{}, false
	}
	e := f.deepResearch[0]
	f.deepResearch = f.deepResearch[1:]
	return e, true
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeBus) Publish(_ domain.Context, _ string, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBus) Subscribe(domain.Context, string) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event)
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeBus) typesOf() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	holds int
}

func newFakeLocker() *fakeLocker { return &fakeLocker{locks: map[string]*sync.Mutex{}} }

func (f *fakeLocker) Acquire(_ domain.Context, name string, _ time.Duration) (func(domain.Context) error, error) {
	f.mu.Lock()
	m, ok := f.locks[name]
	if !ok {
		m = &sync.Mutex{}
		f.locks[name] = m
	}
	f.holds++
	f.mu.Unlock()
	m.Lock()
	return func(domain.Context) error {
		m.Unlock()
		return nil
	}, nil
}

type creditCall struct {
	rootJobID  string
	iterations int
}

type fakeCredits struct {
	mu        sync.Mutex
	completes []creditCall
	refunds   []string
}

func (f *fakeCredits) Complete(_ domain.Context, rootJobID string, iterations int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, creditCall{rootJobID: rootJobID, iterations: iterations})
	return nil
}

func (f *fakeCredits) Refund(_ domain.Context, rootJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, rootJobID)
	return nil
}

// Scripted agents.

type fakePlanning struct {
	mu sync.Mutex
	fn func(in domain.PlanningInput) (domain.PlanningResult, error)
	// inputs records every call for assertions.
	inputs []domain.PlanningInput
}

func (f *fakePlanning) Plan(_ domain.Context, in domain.PlanningInput) (domain.PlanningResult, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return domain.PlanningResult{}, nil
	}
	return fn(in)
}

type fakeLiterature struct {
	mu     sync.Mutex
	source domain.LiteratureSource
	out    string
	err    error
	calls  []domain.LiteratureQuery
}

func (f *fakeLiterature) Source() domain.LiteratureSource { return f.source }

func (f *fakeLiterature) Search(_ domain.Context, q domain.LiteratureQuery) (domain.LiteratureResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	if f.err != nil {
		return domain.LiteratureResult{}, f.err
	}
	out := f.out
	if out == "" {
		out = "findings for " + q.Objective
	}
	return domain.LiteratureResult{Output: out, JobID: "ext-1"}, nil
}

func (f *fakeLiterature) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAnalysis struct {
	mu    sync.Mutex
	err   error
	calls []domain.AnalysisInput
}

func (f *fakeAnalysis) Analyze(_ domain.Context, in domain.AnalysisInput) (domain.AnalysisResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	if f.err != nil {
		return domain.AnalysisResult{}, f.err
	}
	return domain.AnalysisResult{Output: "analysis of " + in.Objective, JobID: "ext-2"}, nil
}

type fakeHypothesis struct{ err error }

func (f *fakeHypothesis) Hypothesize(domain.Context, domain.HypothesisInput) (domain.HypothesisResult, error) {
	if f.err != nil {
		return domain.HypothesisResult{}, f.err
	}
	return domain.HypothesisResult{Hypothesis: "H1", Mode: "exploratory"}, nil
}

type fakeReflection struct {
	objective string
	err       error
}

func (f *fakeReflection) Reflect(domain.Context, domain.ReflectionInput) (domain.ReflectionResult, error) {
	if f.err != nil {
		return domain.ReflectionResult{}, f.err
	}
	return domain.ReflectionResult{
		Objective:         f.objective,
		ConversationTitle: "Title",
		CurrentObjective:  "refined objective",
		KeyInsights:       []string{"insight"},
		Methodology:       "meta-analysis",
	}, nil
}

type fakeDiscovery struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeDiscovery) Discover(domain.Context, domain.DiscoveryInput) (domain.DiscoveryResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return domain.DiscoveryResult{}, f.err
	}
	return domain.DiscoveryResult{Discoveries: []string{"novel finding"}}, nil
}

type fakeContinue struct {
	mu      sync.Mutex
	answers []bool
	calls   int
}

func (f *fakeContinue) Decide(domain.Context, domain.ContinueInput) (domain.ContinueDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ans := false
	if f.calls < len(f.answers) {
		ans = f.answers[f.calls]
	}
	f.calls++
	return domain.ContinueDecision{ShouldContinue: ans, Confidence: 0.9, TriggerReason: "scripted"}, nil
}

type fakeReply struct{ err error }

func (f *fakeReply) Reply(_ domain.Context, in domain.ReplyInput) (domain.ReplyResult, error) {
	if f.err != nil {
		return domain.ReplyResult{}, f.err
	}
	return domain.ReplyResult{Reply: fmt.Sprintf("reply iteration %d", in.IterationCount), Summary: "summary"}, nil
}
