package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// fanOut runs every unfinished task of the current level. Tasks
// run concurrently; within a LITERATURE task, every enabled source runs
// concurrently. Task failures are absorbed into the task output and the
// iteration carries on; only persistence failures abort.
func (e *Executor) fanOut(ctx domain.Context, r *iterationRun) error {
	e.progress(ctx, r.job, "fan-out", 20)

	var pending []string
	for _, t := range domain.TasksAtLevel(r.state.Plan, r.newLevel) {
		if !t.Done() {
			pending = append(pending, t.ID)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// persistMu serializes state mutation and the per-task-boundary
	// persist; a crash loses at most the tasks still in flight.
	var persistMu sync.Mutex
	var persistErr error
	finishTask := func(id string, apply func(t *domain.PlanTask)) {
		persistMu.Lock()
		defer persistMu.Unlock()
		t := r.state.FindTask(id)
		if t == nil {
			return
		}
		apply(t)
		end := e.now()
		t.End = &end
		if err := e.deps.States.Update(ctx, r.state); err != nil && persistErr == nil {
			persistErr = err
		}
	}

	var wg sync.WaitGroup
	for _, id := range pending {
		task := *r.state.FindTask(id)
		persistMu.Lock()
		r.state.MarkTaskStart(id, e.now())
		persistMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			switch task.Type {
			case domain.TaskAnalysis:
				e.runAnalysisTask(ctx, r, task, finishTask)
			default:
				e.runLiteratureTask(ctx, r, task, finishTask)
			}
		}()
	}
	wg.Wait()

	if persistErr != nil {
		return fmt.Errorf("op=orchestrator.fanout: %w", persistErr)
	}
	return nil
}

// runLiteratureTask fans the query out to every enabled source and
// appends each sub-result to the task output, labeled by source.
func (e *Executor) runLiteratureTask(ctx domain.Context, r *iterationRun, task domain.PlanTask, finish func(string, func(*domain.PlanTask))) {
	sources := e.deps.Agents.Literature
	type sub struct {
		source domain.LiteratureSource
		res    domain.LiteratureResult
		err    error
	}
	results := make([]sub, len(sources))
	var wg sync.WaitGroup
	for i, agent := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := agent.Search(ctx, domain.LiteratureQuery{
				Objective: task.Objective,
				Context:   r.state.CurrentObjective,
			})
			results[i] = sub{source: agent.Source(), res: res, err: err}
		}()
	}
	wg.Wait()

	var sb strings.Builder
	var jobID string
	for _, s := range results {
		if s.err != nil {
			slog.Warn("literature source failed",
				slog.String("task_id", task.ID),
				slog.String("source", string(s.source)),
				slog.Any("error", s.err))
			fmt.Fprintf(&sb, "[%s] error: %v\n\n", s.source, s.err)
			continue
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", s.source, s.res.Output)
		if jobID == "" {
			jobID = s.res.JobID
		}
	}
	finish(task.ID, func(t *domain.PlanTask) {
		t.Output = strings.TrimSpace(sb.String())
		t.JobID = jobID
	})
}

// runAnalysisTask runs the primary analysis agent; errors land in the
// task output rather than failing the iteration.
func (e *Executor) runAnalysisTask(ctx domain.Context, r *iterationRun, task domain.PlanTask, finish func(string, func(*domain.PlanTask))) {
	res, err := e.deps.Agents.Analysis.Analyze(ctx, domain.AnalysisInput{
		Objective: task.Objective,
		Datasets:  r.state.DatasetsByID(task.Datasets),
		Context:   r.state.CurrentObjective,
	})
	finish(task.ID, func(t *domain.PlanTask) {
		if err != nil {
			slog.Warn("analysis task failed",
				slog.String("task_id", task.ID), slog.Any("error", err))
			t.Output = fmt.Sprintf("error: %v", err)
			return
		}
		t.Output = res.Output
		t.Artifacts = res.Artifacts
		t.JobID = res.JobID
	})
}
