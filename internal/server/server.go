package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runline/internal/apperr"
	"runline/internal/approval"
	"runline/internal/artifact"
	"runline/internal/dispatch"
	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/engine/auth"
	"runline/internal/logger"
	"runline/internal/redact"
	"runline/internal/repo"
	"runline/internal/stream"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	Gate       *approval.Gate
	Artifacts  *artifact.Store
	Streams    *stream.Store
	BasePath   string
	// CallbackPath receives signed step callbacks; it sits outside BasePath
	// and outside bearer auth.
	CallbackPath string
	Auth         AuthConfig
	Logger       *slog.Logger
	// Redactor scrubs error messages and details before they reach a
	// client. Nil keeps the default patterns.
	Redactor *redact.Redactor
}

// errorRedactor is applied by handleError.
var errorRedactor = redact.New()

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"permission run.cancel required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"run.cancel\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Runline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	callbackPath := cfg.CallbackPath
	if callbackPath == "" {
		callbackPath = "/queue/steps"
	}
	huma.DefaultArrayNullable = false
	if cfg.Redactor != nil {
		errorRedactor = cfg.Redactor
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request validation failures are bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(accessLog(logger.Or(cfg.Logger)))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Runline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerRuns(group, cfg)
	registerApprovals(group, cfg)
	registerArtifacts(group, cfg)
	registerStream(router, basePath, cfg)
	registerQueue(router, callbackPath, cfg)
	router.Handle("/metrics", promhttp.Handler())
	registerDocs(router, api, basePath)

	return router, nil
}

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the error taxonomy onto the envelope. Unclassified
// errors are internal and their text is not echoed back.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	code := apperr.CodeOf(err)
	if code == apperr.Internal {
		if repo.IsUniqueViolation(err) {
			return newAPIError(http.StatusConflict, string(apperr.Conflict), "resource already exists", nil)
		}
		slog.Default().Error("internal error", "err", errorRedactor.Text(err.Error()))
		return newAPIError(http.StatusInternalServerError, string(apperr.Internal), "internal error", nil)
	}
	var details map[string]any
	var ae *apperr.Error
	if errors.As(err, &ae) && len(ae.Details) > 0 {
		details, _ = errorRedactor.Value(ae.Details).(map[string]any)
		if details == nil {
			details = map[string]any{"redacted": true}
		}
	}
	return newAPIError(apperr.HTTPStatus(code), string(code), errorRedactor.Text(err.Error()), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "bad_gateway"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission checks token-granted permissions first, then the
// caller's roles on the project.
func requirePermission(ctx context.Context, e engine.Engine, projectID, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return principal, authErr
	}
	if slices.Contains(principal.Permissions, perm) {
		return principal, nil
	}
	return principal, e.Auth.Require(ctx, nil, projectID, principal.ActorID, perm)
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, desc, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects the caller can read runs in",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		visible := make([]domain.Project, 0, len(items))
		for _, p := range items {
			if slices.Contains(principal.Permissions, auth.PermRunRead) {
				visible = append(visible, p)
				continue
			}
			ok, err := e.Auth.ActorHasPermission(ctx, nil, p.ID, principal.ActorID, auth.PermRunRead)
			if err != nil {
				return nil, handleError(err)
			}
			if ok {
				visible = append(visible, p)
			}
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(visible)}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/runs",
		Summary:       "Start a run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermRunCreate)
		if err != nil {
			return nil, handleError(err)
		}
		run, err := cfg.Dispatcher.StartProjectRun(ctx, dispatch.StartInput{
			ProjectID: input.ProjectID,
			Kind:      input.Body.Kind,
			Metadata:  input.Body.Metadata,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermRunRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilter{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRuns{Items: []RunResponse{}}
		if len(runs) > limit {
			runs = runs[:limit]
			last := runs[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapRuns(runs)
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := readableRun(ctx, e, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel run",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body CancelRunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		principal, err := requirePermission(ctx, e, run.ProjectID, auth.PermRunCancel)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := cfg.Dispatcher.CancelProjectRun(ctx, run.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelRunResponse `json:"body"`
		}{Body: CancelRunResponse{Run: runResponse(res.Run), Canceled: res.Canceled, StepsCanceled: res.StepsCanceled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-steps",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/steps",
		Summary:     "List run steps",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.RunStep `json:"body"`
	}, error) {
		run, err := readableRun(ctx, e, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if steps == nil {
			steps = []domain.RunStep{}
		}
		return &struct {
			Body []domain.RunStep `json:"body"`
		}{Body: steps}, nil
	})
}

// readableRun loads a run and checks run.read on its project.
func readableRun(ctx context.Context, e engine.Engine, runID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if _, err := requirePermission(ctx, e, run.ProjectID, auth.PermRunRead); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 200:
		return 200
	}
	return limit
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
