package domain

// Agent ports. Each agent is an opaque capability with a bounded-timeout
// invoke; transport and prompting live in the adapters.

type PlanningMode string

const (
	PlanInitial PlanningMode = "initial"
	PlanNext    PlanningMode = "next"
)

type PlanningInput struct {
	Mode     PlanningMode
	Question string
	State    ConversationState
}

type PlanningResult struct {
	Plan             []PlanTask // levels unassigned; the executor assigns ids and levels
	CurrentObjective string
}

type PlanningAgent interface {
	Plan(ctx Context, in PlanningInput) (PlanningResult, error)
}

// LiteratureSource identifies one literature backend.
type LiteratureSource string

const (
	SourceEdison      LiteratureSource = "EDISON"
	SourceBioLitDeep  LiteratureSource = "BIOLITDEEP"
	SourceBioLit      LiteratureSource = "BIOLIT"
	SourceOpenScholar LiteratureSource = "OPENSCHOLAR"
	SourceKnowledge   LiteratureSource = "KNOWLEDGE"
)

type LiteratureQuery struct {
	Objective string
	Context   string
}

type LiteratureResult struct {
	Output string
	JobID  string
}

type LiteratureAgent interface {
	Source() LiteratureSource
	Search(ctx Context, q LiteratureQuery) (LiteratureResult, error)
}

type AnalysisInput struct {
	Objective string
	Datasets  []Dataset
	Context   string
}

type AnalysisResult struct {
	Output    string
	Artifacts []Artifact
	JobID     string
}

type AnalysisAgent interface {
	Analyze(ctx Context, in AnalysisInput) (AnalysisResult, error)
}

type HypothesisInput struct {
	State          ConversationState
	CompletedTasks []PlanTask
}

type HypothesisResult struct {
	Hypothesis string
	Mode       string
}

type HypothesisAgent interface {
	Hypothesize(ctx Context, in HypothesisInput) (HypothesisResult, error)
}

type ReflectionInput struct {
	State          ConversationState
	CompletedTasks []PlanTask
}

// ReflectionResult. Objective is empty unless reflection detected a
// fundamental re-framing of the root objective.
type ReflectionResult struct {
	Objective         string
	ConversationTitle string
	CurrentObjective  string
	KeyInsights       []string
	Methodology       string
}

type ReflectionAgent interface {
	Reflect(ctx Context, in ReflectionInput) (ReflectionResult, error)
}

type DiscoveryInput struct {
	State          ConversationState
	CompletedTasks []PlanTask
}

type DiscoveryResult struct {
	Discoveries []string
}

type DiscoveryAgent interface {
	Discover(ctx Context, in DiscoveryInput) (DiscoveryResult, error)
}

type ContinueInput struct {
	State           ConversationState
	IterationNumber int
	MaxIterations   int
}

type ContinueDecision struct {
	ShouldContinue bool
	Confidence     float64
	Reasoning      string
	TriggerReason  string
}

type ContinueAgent interface {
	Decide(ctx Context, in ContinueInput) (ContinueDecision, error)
}

type ReplyInput struct {
	Question       string
	State          ConversationState
	SessionTasks   []PlanTask
	IsFinal        bool
	IterationCount int
}

type ReplyResult struct {
	Reply   string
	Summary string
}

type ReplyAgent interface {
	Reply(ctx Context, in ReplyInput) (ReplyResult, error)
}

// Agents bundles every capability the iteration executor invokes.
// Literature holds all enabled sources; the primary source sits first
// and is mandatory for every literature task.
type Agents struct {
	Planning   PlanningAgent
	Literature []LiteratureAgent
	Analysis   AnalysisAgent
	Hypothesis HypothesisAgent
	Reflection ReflectionAgent
	Discovery  DiscoveryAgent
	Continue   ContinueAgent
	Reply      ReplyAgent
}
