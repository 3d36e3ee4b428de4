package domain

import "time"

// Queue names. Each queue has its own concurrency, retry, and retention
// policy (see the asynq adapter).
const (
	QueueDeepResearch = "deep_research"
	QueueChat         = "chat"
	QueueFileIngest   = "file_ingest"
	QueuePaper        = "paper"
)

// JobState mirrors the durable queue's view of a job.
type JobState string

const (
	JobPending        JobState = "pending"
	JobReserved       JobState = "reserved"
	JobCompleted      JobState = "completed"
	JobFailedRetrying JobState = "failed-retrying"
	JobFailedFinal    JobState = "failed-final"
	// JobAbsent means the queue no longer knows the id: the job finished
	// and its retention window elapsed.
	JobAbsent JobState = "absent"
)

// Terminal reports whether s will not transition further.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailedFinal, JobAbsent:
		return true
	}
	return false
}

// DeepResearchJobData is the payload of one deep-research iteration job.
// The job id equals MessageID, which makes enqueue idempotent and
// guarantees at most one active iteration per message.
type DeepResearchJobData struct {
	UserID              string       `json:"user_id"`
	ConversationID      string       `json:"conversation_id"`
	MessageID           string       `json:"message_id"`
	StateID             string       `json:"state_id"`
	ConversationStateID string       `json:"conversation_state_id"`
	RequestedAt         time.Time    `json:"requested_at"`
	ResearchMode        ResearchMode `json:"research_mode,omitempty"`
	IterationNumber     int          `json:"iteration_number"`
	RootJobID           string       `json:"root_job_id"`
	IsInitialIteration  bool         `json:"is_initial_iteration"`
	Message             string       `json:"message,omitempty"`
}

// ChatJobData is the payload of a lightweight single-pass chat reply.
type ChatJobData struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	StateID        string `json:"state_id"`
	Question       string `json:"question"`
}

// FileIngestJobData is the payload of a dataset ingest job.
type FileIngestJobData struct {
	FileID              string `json:"file_id"`
	UserID              string `json:"user_id"`
	ConversationID      string `json:"conversation_id"`
	ConversationStateID string `json:"conversation_state_id"`
	Filename            string `json:"filename"`
	MIME                string `json:"mime,omitempty"`
	Size                int64  `json:"size,omitempty"`
	StoragePath         string `json:"storage_path,omitempty"`
}

// FileStatus tracks a dataset ingest record.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileReady      FileStatus = "ready"
	FileError      FileStatus = "error"
)

// Terminal reports whether the ingest record will not change further.
func (s FileStatus) Terminal() bool { return s == FileReady || s == FileError }

// FileRecord is a dataset ingest record attached to a conversation
// state; the file-ready barrier polls these before initial planning.
type FileRecord struct {
	ID                  string
	ConversationStateID string
	ConversationID      string
	UserID              string
	Filename            string
	MIME                string
	Size                int64
	StoragePath         string
	Status              FileStatus
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
