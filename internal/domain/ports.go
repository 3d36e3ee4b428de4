package domain

import "time"

// Repositories (ports)

type ConversationRepository interface {
	Get(ctx Context, id string) (Conversation, error)
	// Ensure creates the conversation on first use and is a no-op when it
	// already exists.
	Ensure(ctx Context, c Conversation) error
	CountMessages(ctx Context, conversationID string) (int, error)
}

type ConversationStateRepository interface {
	Get(ctx Context, id string) (ConversationState, error)
	Create(ctx Context, s ConversationState) (string, error)
	// Update is last-write-wins at the record level but never touches
	// the stored dataset list; the iteration owning the current level is
	// the only writer of these fields.
	Update(ctx Context, s ConversationState) error
	// UpdateDatasets replaces only the dataset list. Callers hold the
	// conversation-state lock; nothing else the iteration writes is
	// disturbed.
	UpdateDatasets(ctx Context, id string, datasets []Dataset) error
}

type MessageRepository interface {
	Get(ctx Context, id string) (Message, error)
	Create(ctx Context, m Message) (string, error)
	// UpdateContent writes the reply fields. Last-write-wins: a retried
	// iteration that completes twice leaves the latest reply.
	UpdateContent(ctx Context, id, content, summary string, responseTime float64) error
}

type IterationStateRepository interface {
	Get(ctx Context, id string) (IterationState, error)
	Create(ctx Context, s IterationState) (string, error)
	Update(ctx Context, s IterationState) error
	// Touch bumps updated_at; the worker heartbeats running iterations so
	// the stalled sweeper can tell live from abandoned work.
	Touch(ctx Context, id string) error
}

type FileRepository interface {
	Get(ctx Context, id string) (FileRecord, error)
	Create(ctx Context, f FileRecord) (string, error)
	UpdateStatus(ctx Context, id string, status FileStatus, errMsg string) error
	// ListNonTerminalByStateID returns ingest records still pending or
	// processing for the conversation state.
	ListNonTerminalByStateID(ctx Context, conversationStateID string) ([]FileRecord, error)
}

// Queue (port)
//
// Enqueue calls are idempotent on the caller-supplied job id: enqueueing
// an id that is already non-terminal succeeds without creating a second
// job. Delivery is at-least-once.
type Queue interface {
	EnqueueDeepResearch(ctx Context, jobID string, p DeepResearchJobData) error
	EnqueueChat(ctx Context, jobID string, p ChatJobData) error
	EnqueueFileIngest(ctx Context, jobID string, p FileIngestJobData) error
	JobState(ctx Context, queue, jobID string) (JobState, error)
}

// Notification bus (port)

type EventType string

const (
	EventJobStarted     EventType = "job:started"
	EventJobProgress    EventType = "job:progress"
	EventJobCompleted   EventType = "job:completed"
	EventJobFailed      EventType = "job:failed"
	EventMessageUpdated EventType = "message:updated"
	EventStateUpdated   EventType = "state:updated"
	EventFileReady      EventType = "file:ready"
	EventFileError      EventType = "file:error"
	EventPaperStarted   EventType = "paper:started"
	EventPaperProgress  EventType = "paper:progress"
	EventPaperCompleted EventType = "paper:completed"
	EventPaperFailed    EventType = "paper:failed"
)

// Progress reports how far an iteration has advanced.
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

// Event is a lightweight progress record published on the per-
// conversation channel.
type Event struct {
	Type           EventType `json:"type"`
	JobID          string    `json:"job_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	StateID        string    `json:"state_id,omitempty"`
	FileID         string    `json:"file_id,omitempty"`
	PaperID        string    `json:"paper_id,omitempty"`
	Progress       *Progress `json:"progress,omitempty"`
	Error          string    `json:"error,omitempty"`
	Description    string    `json:"description,omitempty"`
}

// Notifier publishes events on per-conversation channels. Publication is
// best-effort: callers log and continue on error.
type Notifier interface {
	Publish(ctx Context, conversationID string, ev Event) error
	Subscribe(ctx Context, conversationID string) (<-chan Event, func(), error)
}

// Locker is a named mutex with TTL over the external store. Acquire
// retries within a fixed budget and returns ErrLockNotAcquired when the
// budget is exhausted; callers must fail their write rather than proceed
// unlocked.
type Locker interface {
	Acquire(ctx Context, name string, ttl time.Duration) (release func(ctx Context) error, err error)
}

// CreditService is the payment collaborator. Complete fires once on
// final chain success, Refund once on final failure. Both hooks must
// tolerate being invoked on redelivery.
type CreditService interface {
	Complete(ctx Context, rootJobID string, iterations int) error
	Refund(ctx Context, rootJobID string) error
}
