package agents

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/config"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// TaskLiterature is a literature agent backed by a submit/poll task
// service. Edison and BioLitDeep both use this shape, they differ only
// in endpoint and credentials.
type TaskLiterature struct {
	source domain.LiteratureSource
	client *taskClient
}

// NewTaskLiterature builds a submit/poll literature agent.
func NewTaskLiterature(source domain.LiteratureSource, baseURL, apiKey string, cfg config.Config) *TaskLiterature {
	return &TaskLiterature{
		source: source,
		client: &taskClient{
			name:    string(source),
			baseURL: baseURL,
			apiKey:  apiKey,
			httpc:   &http.Client{Timeout: 60 * time.Second},
			pollMin: cfg.AgentPollInterval,
			pollMax: cfg.AgentPollMax,
			timeout: cfg.LiteratureTimeout,
		},
	}
}

// Source identifies the backend.
func (a *TaskLiterature) Source() domain.LiteratureSource { return a.source }

// Search runs a literature query to completion.
func (a *TaskLiterature) Search(ctx domain.Context, q domain.LiteratureQuery) (domain.LiteratureResult, error) {
	start := time.Now()
	st, taskID, err := a.client.run(ctx, taskRequest{Query: q.Objective, Context: q.Context})
	observability.ObserveAgentCall("literature_"+string(a.source), time.Since(start).Seconds(), err)
	if err != nil {
		return domain.LiteratureResult{}, err
	}
	return domain.LiteratureResult{Output: st.Answer, JobID: taskID}, nil
}

// primarySource resolves a configured primary agent name to a task
// backend. "BIO" is accepted as shorthand for the Bio backend alongside
// its full source names; anything else resolves to Edison.
func primarySource(name string) domain.LiteratureSource {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BIO", string(domain.SourceBioLitDeep), string(domain.SourceBioLit):
		return domain.SourceBioLitDeep
	default:
		return domain.SourceEdison
	}
}

// ValidateConfig checks that the configured primary literature and
// analysis backends have endpoints. Secondary sources are optional and
// simply absent when unconfigured; the primaries are mandatory.
func ValidateConfig(cfg config.Config) error {
	if err := requirePrimaryEndpoint("literature", cfg.PrimaryLiteratureAgent, cfg); err != nil {
		return err
	}
	return requirePrimaryEndpoint("analysis", cfg.PrimaryAnalysisAgent, cfg)
}

func requirePrimaryEndpoint(role, name string, cfg config.Config) error {
	url := cfg.EdisonAPIURL
	if primarySource(name) == domain.SourceBioLitDeep {
		url = cfg.BioAPIURL
	}
	if url == "" {
		return fmt.Errorf("op=agents.validate: primary %s agent %q has no endpoint configured: %w",
			role, name, domain.ErrInvalidArgument)
	}
	return nil
}

// BuildLiterature assembles the enabled literature agents with the
// configured primary first. The primary is always present; optional
// sources join only when their endpoint or path is configured.
func BuildLiterature(cfg config.Config) []domain.LiteratureAgent {
	primary := primarySource(cfg.PrimaryLiteratureAgent)
	var out []domain.LiteratureAgent
	add := func(a domain.LiteratureAgent) {
		if a.Source() == primary {
			out = append([]domain.LiteratureAgent{a}, out...)
			return
		}
		out = append(out, a)
	}
	if cfg.EdisonAPIURL != "" {
		add(NewTaskLiterature(domain.SourceEdison, cfg.EdisonAPIURL, cfg.EdisonAPIKey, cfg))
	}
	if cfg.BioAPIURL != "" {
		add(NewTaskLiterature(domain.SourceBioLitDeep, cfg.BioAPIURL, cfg.BioAPIKey, cfg))
	}
	if cfg.OpenScholarAPIURL != "" {
		add(NewTaskLiterature(domain.SourceOpenScholar, cfg.OpenScholarAPIURL, "", cfg))
	}
	if cfg.KnowledgeDocsPath != "" {
		add(NewKnowledgeBase(cfg.KnowledgeDocsPath))
	}
	return out
}
