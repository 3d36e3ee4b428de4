package agents

import (
	"net/http"
	"time"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// TaskAnalysis is a data-analysis agent backed by a submit/poll task
// service. Tasks carry the ids of the datasets the backend should
// load; answers may reference produced artifacts (figures, tables).
type TaskAnalysis struct {
	client *taskClient
}

// NewTaskAnalysis builds the analysis agent for the configured primary
// backend.
func NewTaskAnalysis(cfg config.Config) *TaskAnalysis {
	baseURL, apiKey := cfg.EdisonAPIURL, cfg.EdisonAPIKey
	if primarySource(cfg.PrimaryAnalysisAgent) == domain.SourceBioLitDeep {
		baseURL, apiKey = cfg.BioAPIURL, cfg.BioAPIKey
	}
	return &TaskAnalysis{
		client: &taskClient{
			name:    "analysis",
			baseURL: baseURL,
			apiKey:  apiKey,
			httpc:   &http.Client{Timeout: 60 * time.Second},
			pollMin: cfg.AgentPollInterval,
			pollMax: cfg.AgentPollMax,
			timeout: cfg.AnalysisTimeout,
		},
	}
}

// Analyze runs a data-analysis task to completion.
func (a *TaskAnalysis) Analyze(ctx domain.Context, in domain.AnalysisInput) (domain.AnalysisResult, error) {
	ids := make([]string, 0, len(in.Datasets))
	for _, d := range in.Datasets {
		ids = append(ids, d.ID)
	}
	start := time.Now()
	st, taskID, err := a.client.run(ctx, taskRequest{Query: in.Objective, Context: in.Context, Datasets: ids})
	observability.ObserveAgentCall("analysis", time.Since(start).Seconds(), err)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	arts := make([]domain.Artifact, 0, len(st.Artifacts))
	for _, ar := range st.Artifacts {
		arts = append(arts, domain.Artifact{Kind: ar.Kind, Name: ar.Name, URL: ar.URL})
	}
	return domain.AnalysisResult{Output: st.Answer, Artifacts: arts, JobID: taskID}, nil
}
