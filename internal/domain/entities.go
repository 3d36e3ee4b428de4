// Package domain holds the core research entities, the ports implemented
// by adapters, and the shared error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAgentFailure    = errors.New("agent failure")
	ErrAgentTimeout    = errors.New("agent timeout")
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// ResearchMode selects the iteration cap and the continuation policy for
// a conversation.
type ResearchMode string

const (
	ModeSemiAutonomous  ResearchMode = "semi-autonomous"
	ModeFullyAutonomous ResearchMode = "fully-autonomous"
	ModeSteering        ResearchMode = "steering"
)

// Valid reports whether m is one of the recognized research modes.
func (m ResearchMode) Valid() bool {
	switch m {
	case ModeSemiAutonomous, ModeFullyAutonomous, ModeSteering:
		return true
	}
	return false
}

// TaskType tags a PlanTask variant.
type TaskType string

const (
	TaskLiterature TaskType = "LITERATURE"
	TaskAnalysis   TaskType = "ANALYSIS"
)

// Artifact is an output file produced by an analysis run.
type Artifact struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	URL  string `json:"url,omitempty"`
}

// PlanTask is a unit of research work created by planning and executed
// by the iteration that owns its level. A task is terminal once End is
// set.
type PlanTask struct {
	ID        string     `json:"id"`
	Type      TaskType   `json:"type"`
	Level     int        `json:"level"`
	Objective string     `json:"objective"`
	Datasets  []string   `json:"datasets,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Output    string     `json:"output,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	JobID     string     `json:"job_id,omitempty"`
}

// Done reports whether the task reached a terminal state.
func (t PlanTask) Done() bool { return t.End != nil }

// Dataset references an uploaded data file available to analysis tasks.
type Dataset struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	MIME       string    `json:"mime,omitempty"`
	Size       int64     `json:"size,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// AgentNote is a free-form, append-only record an agent attached to the
// conversation state outside the typed fields.
type AgentNote struct {
	Stage string    `json:"stage"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Conversation is the top-level container owning messages and one
// conversation state. Created on first use, never destroyed.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

// ConversationState is the research-scoped mutable state shared by all
// iterations of a conversation.
// Invariants: task ids in Plan are unique; CurrentLevel == max(level)
// over Plan, or -1 when Plan is empty; UploadedDatasets is
// most-recent-first with at most one entry per filename.
type ConversationState struct {
	ID                 string
	ConversationID     string
	Objective          string
	CurrentObjective   string
	Plan               []PlanTask
	CurrentLevel       int
	SuggestedNextSteps []PlanTask
	CurrentHypothesis  string
	KeyInsights        []string
	Discoveries        []string
	Methodology        string
	ConversationTitle  string
	UploadedDatasets   []Dataset
	ResearchMode       ResearchMode
	AgentNotes         []AgentNote
	UpdatedAt          time.Time
}

// Message is one turn in a conversation. Content and ResponseTime are
// written by the iteration that owns the message; an empty Question
// marks an agent-initiated continuation message.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Question       string
	Content        string
	Summary        string
	Source         string
	StateID        string
	ResponseTime   *float64 // seconds; nil until the iteration completes
	CreatedAt      time.Time
}

// IterationStatus is the disposition recorded on an IterationState.
type IterationStatus string

const (
	IterationRunning   IterationStatus = "running"
	IterationCompleted IterationStatus = "completed"
	IterationFailed    IterationStatus = "failed"
)

// IterationState is the per-iteration scratch record owned by exactly
// one message. Values carries agent free-form scratch data.
type IterationState struct {
	ID             string
	MessageID      string
	ConversationID string
	UserID         string
	Source         string
	IsDeepResearch bool
	Status         IterationStatus
	Error          string
	Values         map[string]any
	UpdatedAt      time.Time
}

// Context aliases context.Context so ports stay readable; adapters and
// usecases pass context.Context through unchanged.
type Context = context.Context
