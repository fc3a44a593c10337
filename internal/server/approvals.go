package server

import (
	"context"
	"net/http"
	"net/url"

	"github.com/danielgtaylor/huma/v2"

	"runline/internal/approval"
	"runline/internal/domain"
	"runline/internal/engine/auth"
)

func registerApprovals(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-run-approvals",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/approvals",
		Summary:     "List approval requests of a run",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		run, err := readableRun(ctx, e, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Gate.List(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ApprovalRequest{}
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Approve or reject a pending request",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApprovalID string          `path:"approval_id"`
		Body       DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := cfg.Gate.Decide(ctx, input.ApprovalID, principal.ActorID, input.Body.Approved)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resume",
		Summary:     "Resume a run suspended on an approval",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApprovalID string        `path:"approval_id"`
		Body       ResumeRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		pending, err := e.Repo.GetApproval(ctx, nil, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requirePermission(ctx, e, pending.ProjectID, auth.PermApprovalDecide); err != nil {
			return nil, handleError(err)
		}
		a, err := cfg.Gate.ResumeRun(ctx, approval.Resume{
			ApprovalID: input.ApprovalID,
			ApprovedBy: input.Body.ApprovedBy,
			ApprovedAt: input.Body.ApprovedAt,
			Scope:      input.Body.Scope,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: a}, nil
	})
}

func registerArtifacts(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts",
		Summary:     "List artifact versions",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		LogicalKey string `query:"logical_key"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermArtifactRead); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Artifacts.List(ctx, input.ProjectID, input.LogicalKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	// logical keys contain slashes; clients escape them as %2F
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-version",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts/{logical_key}/versions/{version}",
		Summary:     "Get an artifact version with content; version 0 is the latest",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		LogicalKey string `path:"logical_key"`
		Version    int    `path:"version" minimum:"0"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermArtifactRead); err != nil {
			return nil, handleError(err)
		}
		key, err := url.PathUnescape(input.LogicalKey)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid logical key", nil)
		}
		a, err := cfg.Artifacts.Get(ctx, input.ProjectID, key, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a, true)}, nil
	})
}
