package domain

import (
	"fmt"
	"time"
)

// taskPrefix returns the id prefix for a task type.
func taskPrefix(t TaskType) string {
	if t == TaskAnalysis {
		return "ana"
	}
	return "lit"
}

// TaskID builds the id for the n-th task (0-based) of a type within a
// level. The first of each type is `<prefix>-<level>`; planners that
// emit several tasks of one type at a level get an ordinal suffix to
// keep ids unique.
func TaskID(t TaskType, level, n int) string {
	if n <= 0 {
		return fmt.Sprintf("%s-%d", taskPrefix(t), level)
	}
	return fmt.Sprintf("%s-%d.%d", taskPrefix(t), level, n+1)
}

// PlanLevel returns max(level) over the plan, or -1 when empty.
func PlanLevel(plan []PlanTask) int {
	level := -1
	for _, t := range plan {
		if t.Level > level {
			level = t.Level
		}
	}
	return level
}

// TasksAtLevel returns the tasks belonging to one level cohort.
func TasksAtLevel(plan []PlanTask, level int) []PlanTask {
	var out []PlanTask
	for _, t := range plan {
		if t.Level == level {
			out = append(out, t)
		}
	}
	return out
}

// CompletedTasksInRange returns terminal tasks with level in [lo, hi].
func CompletedTasksInRange(plan []PlanTask, lo, hi int) []PlanTask {
	var out []PlanTask
	for _, t := range plan {
		if t.Level >= lo && t.Level <= hi && t.Done() {
			out = append(out, t)
		}
	}
	return out
}

// AppendPlan assigns ids and the level to the new tasks and appends them
// to the state's plan, updating CurrentLevel.
func (s *ConversationState) AppendPlan(tasks []PlanTask, level int) {
	counts := map[TaskType]int{}
	for _, t := range tasks {
		t.Level = level
		t.ID = TaskID(t.Type, level, counts[t.Type])
		counts[t.Type]++
		s.Plan = append(s.Plan, t)
	}
	s.CurrentLevel = PlanLevel(s.Plan)
}

// PromoteSuggestions moves SuggestedNextSteps into Plan at a fresh level
// with fresh ids and clears the suggestions. It returns the new level,
// or -1 when there was nothing to promote.
func (s *ConversationState) PromoteSuggestions() int {
	if len(s.SuggestedNextSteps) == 0 {
		return -1
	}
	level := PlanLevel(s.Plan) + 1
	s.AppendPlan(s.SuggestedNextSteps, level)
	s.SuggestedNextSteps = nil
	return level
}

// AddDataset inserts d most-recent-first, replacing any existing entry
// with the same filename.
func (s *ConversationState) AddDataset(d Dataset) {
	out := make([]Dataset, 0, len(s.UploadedDatasets)+1)
	out = append(out, d)
	for _, existing := range s.UploadedDatasets {
		if existing.Filename == d.Filename {
			continue
		}
		out = append(out, existing)
	}
	s.UploadedDatasets = out
}

// DatasetsByID resolves dataset ids against the uploaded set, keeping
// the uploaded order and dropping unknown ids.
func (s *ConversationState) DatasetsByID(ids []string) []Dataset {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Dataset
	for _, d := range s.UploadedDatasets {
		if want[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

// MarkTaskStart stamps Start on the plan task with the given id.
func (s *ConversationState) MarkTaskStart(id string, at time.Time) {
	for i := range s.Plan {
		if s.Plan[i].ID == id && s.Plan[i].Start == nil {
			s.Plan[i].Start = &at
			return
		}
	}
}

// FindTask returns a pointer into the plan, or nil.
func (s *ConversationState) FindTask(id string) *PlanTask {
	for i := range s.Plan {
		if s.Plan[i].ID == id {
			return &s.Plan[i]
		}
	}
	return nil
}

// AppendNote records free-form agent output on the append-only sidebar.
func (s *ConversationState) AppendNote(stage, text string, at time.Time) {
	if text == "" {
		return
	}
	s.AgentNotes = append(s.AgentNotes, AgentNote{Stage: stage, Text: text, At: at})
}
