package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/agents/tokencount"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// LLM-backed agents. Each one is a thin prompt + JSON schema over the
// shared ChatClient; malformed responses get one corrective re-ask
// before the call counts as an agent failure.

// contextBudgetTokens caps the research-context block each prompt
// carries. Task outputs dominate, so they are truncated first.
const contextBudgetTokens = 24000

// stateContext renders the shared research-context block.
func stateContext(model string, s domain.ConversationState, tasks []domain.PlanTask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Root objective: %s\n", s.Objective)
	if s.CurrentObjective != "" && s.CurrentObjective != s.Objective {
		fmt.Fprintf(&sb, "Current objective: %s\n", s.CurrentObjective)
	}
	if s.CurrentHypothesis != "" {
		fmt.Fprintf(&sb, "Current hypothesis: %s\n", s.CurrentHypothesis)
	}
	if s.Methodology != "" {
		fmt.Fprintf(&sb, "Methodology: %s\n", s.Methodology)
	}
	if len(s.KeyInsights) > 0 {
		sb.WriteString("Key insights so far:\n")
		for _, in := range s.KeyInsights {
			fmt.Fprintf(&sb, "- %s\n", in)
		}
	}
	if len(s.UploadedDatasets) > 0 {
		sb.WriteString("Uploaded datasets:\n")
		for _, d := range s.UploadedDatasets {
			fmt.Fprintf(&sb, "- %s (%s)\n", d.Filename, d.ID)
		}
	}
	if len(tasks) > 0 {
		// Split the budget evenly across task outputs.
		per := contextBudgetTokens / len(tasks)
		sb.WriteString("\nCompleted task results:\n")
		for _, t := range tasks {
			out := tokencount.DefaultCounter.Truncate(model, t.Output, per)
			fmt.Fprintf(&sb, "\n### Task %s (%s): %s\n%s\n", t.ID, t.Type, t.Objective, out)
		}
	}
	return sb.String()
}

func observe(name string, start time.Time, err error) {
	observability.ObserveAgentCall(name, time.Since(start).Seconds(), err)
}

// planTaskJSON is the wire shape planning returns tasks in. Levels and
// ids are assigned by the caller, never by the model.
type planTaskJSON struct {
	Type      string   `json:"type"`
	Objective string   `json:"objective"`
	Datasets  []string `json:"datasets,omitempty"`
}

func toPlanTasks(in []planTaskJSON) ([]domain.PlanTask, error) {
	out := make([]domain.PlanTask, 0, len(in))
	for _, t := range in {
		typ := domain.TaskType(strings.ToUpper(t.Type))
		if typ != domain.TaskLiterature && typ != domain.TaskAnalysis {
			return nil, fmt.Errorf("unknown task type %q", t.Type)
		}
		if strings.TrimSpace(t.Objective) == "" {
			return nil, fmt.Errorf("task with empty objective")
		}
		out = append(out, domain.PlanTask{Type: typ, Objective: t.Objective, Datasets: t.Datasets})
	}
	return out, nil
}

// LLMPlanning implements the planning agent.
type LLMPlanning struct{ c *ChatClient }

func NewLLMPlanning(c *ChatClient) *LLMPlanning { return &LLMPlanning{c: c} }

const planningSystem = `You are the planning stage of an autonomous research assistant.
You decompose a research objective into concrete tasks for two kinds of executors:
LITERATURE (search and synthesize published work) and ANALYSIS (statistical analysis of uploaded datasets).
Respond with only a JSON object: {"current_objective": string, "tasks": [{"type": "LITERATURE"|"ANALYSIS", "objective": string, "datasets": [string]}]}.
ANALYSIS tasks must list the ids of the datasets they need. Produce between 1 and 4 tasks.
If the research is complete and no further work would help, return an empty tasks array.`

// Plan produces the next set of tasks. In initial mode it plans from
// the user's question; in next mode it proposes follow-up steps from
// accumulated results.
func (a *LLMPlanning) Plan(ctx domain.Context, in domain.PlanningInput) (res domain.PlanningResult, err error) {
	defer observe("planning", time.Now(), err)
	var user strings.Builder
	if in.Mode == domain.PlanInitial {
		fmt.Fprintf(&user, "Plan the first round of research for this question:\n%s\n\n", in.Question)
	} else {
		user.WriteString("Given the results below, propose the next round of research tasks, or an empty list if the objective is satisfied.\n\n")
	}
	user.WriteString(stateContext(a.c.model, in.State, domain.CompletedTasksInRange(in.State.Plan, 0, in.State.CurrentLevel)))

	type planJSON struct {
		CurrentObjective string         `json:"current_objective"`
		Tasks            []planTaskJSON `json:"tasks"`
	}
	var out planJSON
	err = parseJSONWithReask(ctx, a.c, planningSystem, user.String(), 4096, func(s string) error {
		out = planJSON{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return err
		}
		_, convErr := toPlanTasks(out.Tasks)
		return convErr
	})
	if err != nil {
		return domain.PlanningResult{}, err
	}
	tasks, _ := toPlanTasks(out.Tasks)
	return domain.PlanningResult{Plan: tasks, CurrentObjective: out.CurrentObjective}, nil
}

// LLMHypothesis implements the hypothesis agent.
type LLMHypothesis struct{ c *ChatClient }

func NewLLMHypothesis(c *ChatClient) *LLMHypothesis { return &LLMHypothesis{c: c} }

const hypothesisSystem = `You are the hypothesis stage of an autonomous research assistant.
From the research context and the latest task results, state the single working hypothesis best supported right now.
Respond with only a JSON object: {"hypothesis": string, "mode": "exploratory"|"confirmatory"}.`

// Hypothesize updates the working hypothesis from the latest results.
func (a *LLMHypothesis) Hypothesize(ctx domain.Context, in domain.HypothesisInput) (res domain.HypothesisResult, err error) {
	defer observe("hypothesis", time.Now(), err)
	user := stateContext(a.c.model, in.State, in.CompletedTasks)
	var out struct {
		Hypothesis string `json:"hypothesis"`
		Mode       string `json:"mode"`
	}
	err = parseJSONWithReask(ctx, a.c, hypothesisSystem, user, 1024, func(s string) error {
		return json.Unmarshal([]byte(s), &out)
	})
	if err != nil {
		return domain.HypothesisResult{}, err
	}
	return domain.HypothesisResult{Hypothesis: out.Hypothesis, Mode: out.Mode}, nil
}

// LLMReflection implements the reflection agent.
type LLMReflection struct{ c *ChatClient }

func NewLLMReflection(c *ChatClient) *LLMReflection { return &LLMReflection{c: c} }

const reflectionSystem = `You are the reflection stage of an autonomous research assistant.
Consolidate the latest results into durable research state.
Respond with only a JSON object:
{"objective": string, "conversation_title": string, "current_objective": string, "key_insights": [string], "methodology": string}.
"objective" must be an empty string unless the results fundamentally re-frame the root research objective; rewriting it is rare and disruptive.
"key_insights" is the full updated list, most important first, at most 10 entries.`

// Reflect consolidates results into insights, methodology, and titles.
func (a *LLMReflection) Reflect(ctx domain.Context, in domain.ReflectionInput) (res domain.ReflectionResult, err error) {
	defer observe("reflection", time.Now(), err)
	user := stateContext(a.c.model, in.State, in.CompletedTasks)
	var out struct {
		Objective         string   `json:"objective"`
		ConversationTitle string   `json:"conversation_title"`
		CurrentObjective  string   `json:"current_objective"`
		KeyInsights       []string `json:"key_insights"`
		Methodology       string   `json:"methodology"`
	}
	err = parseJSONWithReask(ctx, a.c, reflectionSystem, user, 2048, func(s string) error {
		return json.Unmarshal([]byte(s), &out)
	})
	if err != nil {
		return domain.ReflectionResult{}, err
	}
	return domain.ReflectionResult{
		Objective:         out.Objective,
		ConversationTitle: out.ConversationTitle,
		CurrentObjective:  out.CurrentObjective,
		KeyInsights:       out.KeyInsights,
		Methodology:       out.Methodology,
	}, nil
}

// LLMDiscovery implements the discovery agent.
type LLMDiscovery struct{ c *ChatClient }

func NewLLMDiscovery(c *ChatClient) *LLMDiscovery { return &LLMDiscovery{c: c} }

const discoverySystem = `You are the discovery stage of an autonomous research assistant.
Surface genuinely novel, surprising, or contradictory findings from the latest results. Incremental confirmations are not discoveries.
Respond with only a JSON object: {"discoveries": [string]}. An empty array is a valid and common answer.`

// Discover extracts novel findings from the latest results.
func (a *LLMDiscovery) Discover(ctx domain.Context, in domain.DiscoveryInput) (res domain.DiscoveryResult, err error) {
	defer observe("discovery", time.Now(), err)
	user := stateContext(a.c.model, in.State, in.CompletedTasks)
	var out struct {
		Discoveries []string `json:"discoveries"`
	}
	err = parseJSONWithReask(ctx, a.c, discoverySystem, user, 1024, func(s string) error {
		return json.Unmarshal([]byte(s), &out)
	})
	if err != nil {
		return domain.DiscoveryResult{}, err
	}
	return domain.DiscoveryResult{Discoveries: out.Discoveries}, nil
}

// LLMContinue implements the continue-decision agent.
type LLMContinue struct{ c *ChatClient }

func NewLLMContinue(c *ChatClient) *LLMContinue { return &LLMContinue{c: c} }

const continueSystem = `You are the continuation judge of an autonomous research assistant.
Decide whether another automatic research iteration is worth its cost, based on how much the proposed next steps would add.
Respond with only a JSON object: {"should_continue": bool, "confidence": number, "reasoning": string, "trigger_reason": string}.
"confidence" is in [0,1]. "trigger_reason" is a short machine-readable tag such as "open-questions", "diminishing-returns", or "objective-satisfied".`

// Decide judges whether to chain another iteration.
func (a *LLMContinue) Decide(ctx domain.Context, in domain.ContinueInput) (res domain.ContinueDecision, err error) {
	defer observe("continue", time.Now(), err)
	var user strings.Builder
	fmt.Fprintf(&user, "Iteration %d of at most %d.\n\n", in.IterationNumber, in.MaxIterations)
	user.WriteString(stateContext(a.c.model, in.State, nil))
	if len(in.State.SuggestedNextSteps) > 0 {
		user.WriteString("\nProposed next steps:\n")
		for _, t := range in.State.SuggestedNextSteps {
			fmt.Fprintf(&user, "- [%s] %s\n", t.Type, t.Objective)
		}
	}
	var out struct {
		ShouldContinue bool    `json:"should_continue"`
		Confidence     float64 `json:"confidence"`
		Reasoning      string  `json:"reasoning"`
		TriggerReason  string  `json:"trigger_reason"`
	}
	err = parseJSONWithReask(ctx, a.c, continueSystem, user.String(), 1024, func(s string) error {
		return json.Unmarshal([]byte(s), &out)
	})
	if err != nil {
		return domain.ContinueDecision{}, err
	}
	return domain.ContinueDecision{
		ShouldContinue: out.ShouldContinue,
		Confidence:     out.Confidence,
		Reasoning:      out.Reasoning,
		TriggerReason:  out.TriggerReason,
	}, nil
}

// LLMReply implements the reply agent.
type LLMReply struct{ c *ChatClient }

func NewLLMReply(c *ChatClient) *LLMReply { return &LLMReply{c: c} }

const replySystem = `You are the reply stage of an autonomous research assistant.
Write the user-facing answer for this research iteration from the session's task results.
Respond with only a JSON object: {"reply": string, "summary": string}.
"reply" is markdown. "summary" is one or two sentences for the conversation sidebar.
If this is not the final iteration, end the reply by noting that research continues automatically.`

// Reply writes the user-facing answer for the iteration.
func (a *LLMReply) Reply(ctx domain.Context, in domain.ReplyInput) (res domain.ReplyResult, err error) {
	defer observe("reply", time.Now(), err)
	var user strings.Builder
	if in.Question != "" {
		fmt.Fprintf(&user, "User question: %s\n", in.Question)
	}
	if in.IsFinal {
		fmt.Fprintf(&user, "This is the final iteration (%d run in total). Close out the research.\n\n", in.IterationCount)
	} else {
		user.WriteString("Research continues after this reply; report progress so far.\n\n")
	}
	user.WriteString(stateContext(a.c.model, in.State, in.SessionTasks))
	var out struct {
		Reply   string `json:"reply"`
		Summary string `json:"summary"`
	}
	err = parseJSONWithReask(ctx, a.c, replySystem, user.String(), 8192, func(s string) error {
		if uErr := json.Unmarshal([]byte(s), &out); uErr != nil {
			return uErr
		}
		if strings.TrimSpace(out.Reply) == "" {
			return fmt.Errorf("empty reply")
		}
		return nil
	})
	if err != nil {
		return domain.ReplyResult{}, err
	}
	return domain.ReplyResult{Reply: out.Reply, Summary: out.Summary}, nil
}

// Build assembles the full agent bundle from configuration.
func Build(cfg config.Config) domain.Agents {
	chat := NewChatClient(cfg)
	return domain.Agents{
		Planning:   NewLLMPlanning(chat),
		Literature: BuildLiterature(cfg),
		Analysis:   NewTaskAnalysis(cfg),
		Hypothesis: NewLLMHypothesis(chat),
		Reflection: NewLLMReflection(chat),
		Discovery:  NewLLMDiscovery(chat),
		Continue:   NewLLMContinue(chat),
		Reply:      NewLLMReply(chat),
	}
}
