package server

import (
	"runline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateRunRequest struct {
	Kind     string         `json:"kind" example:"research"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type DecisionRequest struct {
	Approved bool `json:"approved"`
}

// ResumeRequest is the programmatic resume payload keyed by the approval id.
type ResumeRequest struct {
	ApprovedBy string `json:"approvedBy"`
	ApprovedAt string `json:"approvedAt,omitempty" format:"date-time"`
	Scope      string `json:"scope,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Kind          string         `json:"kind"`
	Status        string         `json:"status" enum:"pending,running,succeeded,failed,canceled"`
	WorkflowRunID *string        `json:"workflow_run_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type paginatedRuns struct {
	Items      []RunResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type CancelRunResponse struct {
	Run           RunResponse `json:"run"`
	Canceled      bool        `json:"canceled"`
	StepsCanceled int64       `json:"steps_canceled"`
}

type ArtifactResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	LogicalKey  string `json:"logical_key"`
	Version     int    `json:"version"`
	Encoding    string `json:"encoding"`
	ContentHash string `json:"content_hash"`
	Size        int    `json:"size"`
	RunID       string `json:"run_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	Content     string `json:"content,omitempty"`
}

type QueueResponse struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		Kind:          r.Kind,
		Status:        r.Status,
		WorkflowRunID: r.WorkflowRunID,
		Metadata:      r.Metadata,
		Error:         r.Error,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}

func artifactResponse(a domain.Artifact, withContent bool) ArtifactResponse {
	res := ArtifactResponse{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		Kind:        a.Kind,
		LogicalKey:  a.LogicalKey,
		Version:     a.Version,
		Encoding:    a.Encoding,
		ContentHash: a.ContentHash,
		Size:        a.Size,
		RunID:       a.RunID,
		CreatedAt:   a.CreatedAt,
	}
	if withContent {
		res.Content = string(a.Content)
	}
	return res
}

func mapArtifacts(items []domain.Artifact) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a, false))
	}
	return res
}
