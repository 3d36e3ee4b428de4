package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// taskClient drives the submit/poll protocol the long-running research
// backends share: POST a task, then poll its id until it reaches a
// terminal state or the deadline passes.
type taskClient struct {
	name    string
	baseURL string
	apiKey  string
	httpc   *http.Client

	pollMin time.Duration
	pollMax time.Duration
	timeout time.Duration
}

type taskRequest struct {
	Query    string   `json:"query"`
	Context  string   `json:"context,omitempty"`
	Datasets []string `json:"datasets,omitempty"`
}

type taskStatus struct {
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	Answer    string `json:"answer,omitempty"`
	Error     string `json:"error,omitempty"`
	Artifacts []struct {
		Kind string `json:"kind"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"artifacts,omitempty"`
}

const (
	taskQueued     = "queued"
	taskInProgress = "in-progress"
	taskSuccess    = "success"
	taskFailed     = "failed"
)

func (c *taskClient) do(ctx domain.Context, method, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s status=429", domain.ErrRateLimited, c.name)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s status=%d: %s", domain.ErrAgentFailure, c.name, resp.StatusCode, readSnippet(resp.Body, 512))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// submit creates a task and returns its id.
func (c *taskClient) submit(ctx domain.Context, req taskRequest) (string, error) {
	b, _ := json.Marshal(req)
	var out taskStatus
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks", b, &out); err != nil {
		return "", fmt.Errorf("op=agents.%s.submit: %w", c.name, err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("op=agents.%s.submit: %w: empty task id", c.name, domain.ErrAgentFailure)
	}
	return out.TaskID, nil
}

// poll fetches the current status of a task.
func (c *taskClient) poll(ctx domain.Context, taskID string) (taskStatus, error) {
	var out taskStatus
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID, nil, &out); err != nil {
		return taskStatus{}, fmt.Errorf("op=agents.%s.poll: %w", c.name, err)
	}
	return out, nil
}

// await polls until the task is terminal. Poll cadence starts at
// pollMin and backs off linearly toward pollMax. The deadline maps to
// ErrAgentTimeout; a failed task maps to ErrAgentFailure. Transient
// poll errors are tolerated, the loop just polls again.
func (c *taskClient) await(ctx domain.Context, taskID string) (taskStatus, error) {
	deadline := time.Now().Add(c.timeout)
	interval := c.pollMin
	for {
		if time.Now().After(deadline) {
			return taskStatus{}, fmt.Errorf("op=agents.%s.await: %w: task %s", c.name, domain.ErrAgentTimeout, taskID)
		}
		select {
		case <-ctx.Done():
			return taskStatus{}, fmt.Errorf("op=agents.%s.await: %w", c.name, ctx.Err())
		case <-time.After(interval):
		}
		st, err := c.poll(ctx, taskID)
		if err != nil {
			slog.Warn("task poll failed, retrying",
				slog.String("agent", c.name), slog.String("task_id", taskID), slog.Any("error", err))
			continue
		}
		switch st.State {
		case taskSuccess:
			return st, nil
		case taskFailed:
			return taskStatus{}, fmt.Errorf("op=agents.%s.await: %w: %s", c.name, domain.ErrAgentFailure, st.Error)
		case taskQueued, taskInProgress:
		default:
			slog.Warn("unknown task state", slog.String("agent", c.name), slog.String("state", st.State))
		}
		if interval < c.pollMax {
			interval += time.Second
			if interval > c.pollMax {
				interval = c.pollMax
			}
		}
	}
}

// run submits and awaits in one call.
func (c *taskClient) run(ctx domain.Context, req taskRequest) (taskStatus, string, error) {
	taskID, err := c.submit(ctx, req)
	if err != nil {
		return taskStatus{}, "", err
	}
	st, err := c.await(ctx, taskID)
	return st, taskID, err
}
