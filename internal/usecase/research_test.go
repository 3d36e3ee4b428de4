package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

type fakeConvRepo struct{ ensured []domain.Conversation }

func (f *fakeConvRepo) Get(domain.Context, string) (domain.Conversation, error) {
	return domain.Conversation{}, domain.ErrNotFound
}
func (f *fakeConvRepo) Ensure(_ domain.Context, c domain.Conversation) error {
	f.ensured = append(f.ensured, c)
	return nil
}
func (f *fakeConvRepo) CountMessages(domain.Context, string) (int, error) { return 0, nil }

type fakeStateRepo struct{ created []domain.ConversationState }

func (f *fakeStateRepo) Get(domain.Context, string) (domain.ConversationState, error) {
	return domain.ConversationState{}, domain.ErrNotFound
}
func (f *fakeStateRepo) Create(_ domain.Context, s domain.ConversationState) (string, error) {
	f.created = append(f.created, s)
	return "cs-new", nil
}
func (f *fakeStateRepo) Update(domain.Context, domain.ConversationState) error { return nil }
func (f *fakeStateRepo) UpdateDatasets(domain.Context, string, []domain.Dataset) error {
	return nil
}

type fakeMsgRepo struct{ created []domain.Message }

func (f *fakeMsgRepo) Get(domain.Context, string) (domain.Message, error) {
	return domain.Message{}, domain.ErrNotFound
}
func (f *fakeMsgRepo) Create(_ domain.Context, m domain.Message) (string, error) {
	f.created = append(f.created, m)
	return m.ID, nil
}
func (f *fakeMsgRepo) UpdateContent(domain.Context, string, string, string, float64) error {
	return nil
}

type fakeIterRepo struct{ created []domain.IterationState }

func (f *fakeIterRepo) Get(domain.Context, string) (domain.IterationState, error) {
	return domain.IterationState{}, domain.ErrNotFound
}
func (f *fakeIterRepo) Create(_ domain.Context, s domain.IterationState) (string, error) {
	f.created = append(f.created, s)
	return "iter-new", nil
}
func (f *fakeIterRepo) Update(domain.Context, domain.IterationState) error { return nil }
func (f *fakeIterRepo) Touch(domain.Context, string) error                 { return nil }

type fakeQueuePort struct {
	deep []domain.DeepResearchJobData
	chat []domain.ChatJobData
	file []domain.FileIngestJobData
	err  error
}

func (f *fakeQueuePort) EnqueueDeepResearch(_ domain.Context, _ string, p domain.DeepResearchJobData) error {
	if f.err != nil {
		return f.err
	}
	f.deep = append(f.deep, p)
	return nil
}
func (f *fakeQueuePort) EnqueueChat(_ domain.Context, _ string, p domain.ChatJobData) error {
	if f.err != nil {
		return f.err
	}
	f.chat = append(f.chat, p)
	return nil
}
func (f *fakeQueuePort) EnqueueFileIngest(_ domain.Context, _ string, p domain.FileIngestJobData) error {
	if f.err != nil {
		return f.err
	}
	f.file = append(f.file, p)
	return nil
}
func (f *fakeQueuePort) JobState(domain.Context, string, string) (domain.JobState, error) {
	return domain.JobAbsent, nil
}

func newResearchService() (ResearchService, *fakeConvRepo, *fakeStateRepo, *fakeMsgRepo, *fakeIterRepo, *fakeQueuePort) {
	conv := &fakeConvRepo{}
	states := &fakeStateRepo{}
	msgs := &fakeMsgRepo{}
	iters := &fakeIterRepo{}
	q := &fakeQueuePort{}
	return NewResearchService(conv, states, msgs, iters, q), conv, states, msgs, iters, q
}

func TestStartResearch_FirstMessageCreatesState(t *testing.T) {
	svc, conv, states, msgs, iters, q := newResearchService()

	out, err := svc.StartResearch(context.Background(), StartResearchInput{
		UserID:         "u-1",
		ConversationID: "c-1",
		Question:       "why does X happen",
		ResearchMode:   domain.ModeSemiAutonomous,
		DeepResearch:   true,
	})
	require.NoError(t, err)

	require.Len(t, conv.ensured, 1)
	require.Len(t, states.created, 1)
	assert.Equal(t, -1, states.created[0].CurrentLevel)
	assert.Equal(t, "cs-new", out.ConversationStateID)

	require.Len(t, msgs.created, 1)
	assert.Equal(t, out.MessageID, msgs.created[0].ID)
	assert.Equal(t, "user", msgs.created[0].Source)

	require.Len(t, iters.created, 1)
	assert.True(t, iters.created[0].IsDeepResearch)

	require.Len(t, q.deep, 1)
	job := q.deep[0]
	assert.Equal(t, out.MessageID, job.MessageID)
	assert.Equal(t, out.MessageID, job.RootJobID, "first job id is the chain root")
	assert.Equal(t, out.MessageID, out.JobID)
	assert.Equal(t, 1, job.IterationNumber)
	assert.True(t, job.IsInitialIteration)
	assert.Equal(t, "iter-new", job.StateID)
	assert.Equal(t, "cs-new", job.ConversationStateID)
}

func TestStartResearch_ExistingStateIsReused(t *testing.T) {
	svc, _, states, _, _, q := newResearchService()

	out, err := svc.StartResearch(context.Background(), StartResearchInput{
		UserID:              "u-1",
		ConversationID:      "c-1",
		ConversationStateID: "cs-existing",
		Question:            "follow up",
		DeepResearch:        true,
	})
	require.NoError(t, err)
	assert.Empty(t, states.created)
	assert.Equal(t, "cs-existing", out.ConversationStateID)
	require.Len(t, q.deep, 1)
	assert.Equal(t, "cs-existing", q.deep[0].ConversationStateID)
}

func TestStartResearch_ChatPath(t *testing.T) {
	svc, _, _, _, iters, q := newResearchService()

	_, err := svc.StartResearch(context.Background(), StartResearchInput{
		UserID:         "u-1",
		ConversationID: "c-1",
		Question:       "quick question",
		DeepResearch:   false,
	})
	require.NoError(t, err)
	assert.Empty(t, q.deep)
	require.Len(t, q.chat, 1)
	assert.False(t, iters.created[0].IsDeepResearch)
}

func TestStartResearch_Validation(t *testing.T) {
	svc, _, _, _, _, _ := newResearchService()

	_, err := svc.StartResearch(context.Background(), StartResearchInput{UserID: "u-1", ConversationID: "c-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.StartResearch(context.Background(), StartResearchInput{
		UserID: "u-1", ConversationID: "c-1", Question: "q", ResearchMode: "warp-speed",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStartResearch_EnqueueFailurePropagates(t *testing.T) {
	svc, _, _, _, _, q := newResearchService()
	q.err = domain.ErrInternal

	_, err := svc.StartResearch(context.Background(), StartResearchInput{
		UserID: "u-1", ConversationID: "c-1", Question: "q", DeepResearch: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

type fakeFileRepo struct {
	created []domain.FileRecord
	status  map[string]domain.FileStatus
}

func (f *fakeFileRepo) Get(domain.Context, string) (domain.FileRecord, error) {
	return domain.FileRecord{}, domain.ErrNotFound
}
func (f *fakeFileRepo) Create(_ domain.Context, r domain.FileRecord) (string, error) {
	f.created = append(f.created, r)
	return r.ID, nil
}
func (f *fakeFileRepo) UpdateStatus(_ domain.Context, id string, st domain.FileStatus, _ string) error {
	if f.status == nil {
		f.status = map[string]domain.FileStatus{}
	}
	f.status[id] = st
	return nil
}
func (f *fakeFileRepo) ListNonTerminalByStateID(domain.Context, string) ([]domain.FileRecord, error) {
	return nil, nil
}

func TestUpload_StoresAndEnqueues(t *testing.T) {
	files := &fakeFileRepo{}
	q := &fakeQueuePort{}
	svc := NewUploadService(files, q, t.TempDir(), 1)

	id, err := svc.Upload(context.Background(), UploadInput{
		UserID:              "u-1",
		ConversationID:      "c-1",
		ConversationStateID: "cs-1",
		Filename:            "data.csv",
		Size:                10,
		Content:             strings.NewReader("a,b\n1,2\n"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, files.created, 1)
	rec := files.created[0]
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, domain.FilePending, rec.Status)
	assert.NotEmpty(t, rec.StoragePath)
	assert.EqualValues(t, 8, rec.Size)

	require.Len(t, q.file, 1)
	assert.Equal(t, id, q.file[0].FileID)
	assert.Equal(t, rec.StoragePath, q.file[0].StoragePath)
}

func TestUpload_RejectsOversize(t *testing.T) {
	files := &fakeFileRepo{}
	q := &fakeQueuePort{}
	svc := NewUploadService(files, q, t.TempDir(), 1)

	_, err := svc.Upload(context.Background(), UploadInput{
		UserID:              "u-1",
		ConversationStateID: "cs-1",
		Filename:            "big.bin",
		Size:                2 << 20,
		Content:             strings.NewReader("x"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, files.created)
}

func TestUpload_Validation(t *testing.T) {
	svc := NewUploadService(&fakeFileRepo{}, &fakeQueuePort{}, t.TempDir(), 1)
	_, err := svc.Upload(context.Background(), UploadInput{Filename: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
