// Package runlinesdk is a Go client for the Runline HTTP API.
package runlinesdk

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

// Client is a minimal Runline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// StreamClient serves long-lived stream requests. It must not set a
	// whole-request timeout.
	StreamClient *http.Client
	// MaxReconnects bounds stream reconnect attempts after a dropped
	// connection. Zero means 5.
	MaxReconnects int
	ReconnectWait time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type Run struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Kind          string         `json:"kind"`
	Status        string         `json:"status"`
	WorkflowRunID *string        `json:"workflow_run_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	switch r.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

type RunPage struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type CancelResult struct {
	Run           Run   `json:"run"`
	Canceled      bool  `json:"canceled"`
	StepsCanceled int64 `json:"steps_canceled"`
}

type Approval struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	ProjectID     string         `json:"project_id"`
	Scope         string         `json:"scope"`
	IntentSummary string         `json:"intent_summary"`
	Status        string         `json:"status"`
	ApprovedBy    *string        `json:"approved_by,omitempty"`
	ApprovedAt    *string        `json:"approved_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

type Artifact struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	LogicalKey  string `json:"logical_key"`
	Version     int    `json:"version"`
	Encoding    string `json:"encoding"`
	ContentHash string `json:"content_hash"`
	Size        int    `json:"size"`
	RunID       string `json:"run_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	Content     string `json:"content,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	return e
}

func (c *Client) CreateProject(ctx context.Context, id, description string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"id": id, "description": description}, &resp)
	return resp, err
}

// CreateRun starts a run of kind in project.
func (c *Client) CreateRun(ctx context.Context, projectID, kind string, metadata map[string]any) (Run, error) {
	body := map[string]any{"kind": kind}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/runs", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns returns one page of runs, newest first.
func (c *Client) ListRuns(ctx context.Context, projectID, status string, limit int, cursor string) (RunPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("projects/%s/runs", url.PathEscape(projectID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp RunPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CancelRun(ctx context.Context, runID string) (CancelResult, error) {
	var resp CancelResult
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp, err
}

func (c *Client) ListApprovals(ctx context.Context, runID string) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID)+"/approvals", nil, &resp)
	return resp, err
}

// Decide approves or rejects a pending request as the authenticated actor.
func (c *Client) Decide(ctx context.Context, approvalID string, approved bool) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(approvalID)+"/decision", map[string]any{"approved": approved}, &resp)
	return resp, err
}

// Resume approves a request on behalf of approvedBy. Scope, when set, must
// match the request's scope.
func (c *Client) Resume(ctx context.Context, approvalID, approvedBy, scope string) (Approval, error) {
	body := map[string]any{"approvedBy": approvedBy}
	if scope != "" {
		body["scope"] = scope
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(approvalID)+"/resume", body, &resp)
	return resp, err
}

// GetArtifact fetches a version with content; version 0 is the latest.
func (c *Client) GetArtifact(ctx context.Context, projectID, logicalKey string, version int) (Artifact, error) {
	var resp Artifact
	endpoint := fmt.Sprintf("projects/%s/artifacts/%s/versions/%d", url.PathEscape(projectID), url.PathEscape(logicalKey), version)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

// url joins endpoint onto the API base. Endpoints arrive already escaped.
func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
