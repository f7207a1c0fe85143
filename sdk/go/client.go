// Package vetlinesdk is a minimal Vetline HTTP API client.
package vetlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Run represents the API validation-run model.
type Run struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	CurrentPhase  string         `json:"current_phase"`
	Status        string         `json:"status"`
	HitlState     *string        `json:"hitl_state,omitempty"`
	Iterations    map[string]int `json:"iterations"`
	FailReason    string         `json:"fail_reason,omitempty"`
	FinalDecision string         `json:"final_decision,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	Pending       *Checkpoint    `json:"pending_checkpoint,omitempty"`
}

// Checkpoint is a pending or resolved human decision point.
type Checkpoint struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Type        string         `json:"checkpoint_type"`
	Phase       string         `json:"phase"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	UserEdits   map[string]any `json:"user_edits,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	RejectRoute string         `json:"reject_route,omitempty"`
	PivotKind   string         `json:"pivot_kind,omitempty"`
	CreatedAt   string         `json:"created_at"`
	ResolvedAt  *string        `json:"resolved_at,omitempty"`
	ExpiresAt   string         `json:"expires_at"`
}

// Artifact is one append-only phase-state entry.
type Artifact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase"`
	Iteration int            `json:"iteration"`
	Revision  int            `json:"revision"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// AdvanceResult reports where an advance/decision left the run.
type AdvanceResult struct {
	RunID      string      `json:"run_id"`
	Action     string      `json:"action"`
	Phase      string      `json:"phase"`
	Status     string      `json:"status"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Decision is the approve/reject payload for a checkpoint.
type Decision struct {
	CheckpointID string         `json:"checkpoint_id"`
	Outcome      string         `json:"outcome"`
	Edits        map[string]any `json:"edits,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
	RejectRoute  string         `json:"reject_route,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartRun starts a validation run on the client's project.
func (c *Client) StartRun(ctx context.Context) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), map[string]any{}, &resp)
	return resp, err
}

// GetRun fetches a run including its pending checkpoint, if any.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

// ListRuns lists runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]Run, error) {
	endpoint := "v0/runs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance triggers execution from the run's persisted cursor.
func (c *Client) Advance(ctx context.Context, runID string) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "advance"), nil, &resp)
	return resp, err
}

// Abandon cancels a run.
func (c *Client) Abandon(ctx context.Context, runID, reason string) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "abandon"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Decide resolves a pending checkpoint and resumes the run.
func (c *Client) Decide(ctx context.Context, d Decision) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, "v0/decisions", d, &resp)
	return resp, err
}

// GetCheckpoint fetches one checkpoint.
func (c *Client) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodGet, "v0/checkpoints/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCheckpoints lists a run's checkpoints, newest last.
func (c *Client) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	var resp []Checkpoint
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "checkpoints"), nil, &resp)
	return resp, err
}

// ListArtifacts lists a run's phase state, all iterations and revisions.
func (c *Client) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "artifacts"), nil, &resp)
	return resp, err
}

// Events lists a run's audit events.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	endpoint := c.runPath(runID, fmt.Sprintf("events?limit=%d", limit))
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Sweep expires stale checkpoints server-side.
func (c *Client) Sweep(ctx context.Context) ([]string, error) {
	var resp struct {
		Expired []string `json:"expired"`
	}
	err := c.do(ctx, http.MethodPost, "v0/sweep", nil, &resp)
	return resp.Expired, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) runPath(runID, p string) string {
	endpoint := "v0/runs/" + url.PathEscape(runID)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
