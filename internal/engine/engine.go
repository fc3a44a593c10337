package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"runline/internal/apperr"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/engine/auth"
	"runline/internal/events"
	"runline/internal/metrics"
	"runline/internal/repo"
)

// ErrRunTerminal is returned when work is attempted on a run that already finished.
var ErrRunTerminal = apperr.New(apperr.Conflict, "run is terminal")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject creates a project and grants actorID the owner role.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, apperr.New(apperr.BadRequest, "project id is required")
	}
	if actorID == "" {
		return domain.Project{}, apperr.New(apperr.BadRequest, "actor_id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "run-project",
		Status:      "active",
		Description: description,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, p.CreatedAt); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, auth.RoleOwner); err != nil {
		return domain.Project{}, fmt.Errorf("assign owner: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "project.init", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actorID,
		Payload: events.EventPayload{"status": p.Status},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GrantRole assigns roleID to actorID on a project.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, roleID, grantedBy string) error {
	ok, err := e.Repo.RoleExists(ctx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.BadRequest, "unknown role %q", roleID)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.stamp()); err != nil {
		return err
	}
	granted, err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID)
	if err != nil || !granted {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "role.granted", ProjectID: projectID, EntityKind: "actor", EntityID: actorID, ActorID: grantedBy,
		Payload: events.EventPayload{"role": roleID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes roleID from actorID on a project. The last owner of a
// project cannot be removed.
func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, roleID, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if roleID == auth.RoleOwner {
		n, err := e.Repo.CountRoleHolders(ctx, tx, projectID, auth.RoleOwner)
		if err != nil {
			return err
		}
		if n <= 1 {
			return apperr.New(apperr.Conflict, "project %s must keep an owner", projectID)
		}
	}
	removed, err := e.Repo.UnassignRole(ctx, tx, projectID, actorID, roleID)
	if err != nil {
		return err
	}
	if !removed {
		return apperr.New(apperr.NotFound, "actor %s does not hold role %s on %s", actorID, roleID, projectID)
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "role.revoked", ProjectID: projectID, EntityKind: "actor", EntityID: actorID, ActorID: revokedBy,
		Payload: events.EventPayload{"role": roleID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateRunOptions are parameters for creating a run.
type CreateRunOptions struct {
	ID        string
	ProjectID string
	Kind      string
	Metadata  map[string]any
	ActorID   string
}

// CreateRun stores a pending run.
func (e Engine) CreateRun(ctx context.Context, opts CreateRunOptions) (domain.Run, error) {
	if opts.ProjectID == "" {
		return domain.Run{}, apperr.New(apperr.BadRequest, "project is required")
	}
	if opts.Kind == "" {
		return domain.Run{}, apperr.New(apperr.BadRequest, "kind is required")
	}
	if e.Config != nil {
		if _, ok := e.Config.Kind(opts.Kind); !ok {
			return domain.Run{}, apperr.New(apperr.BadRequest, "unknown run kind %q", opts.Kind).
				WithDetails(map[string]any{"kind": opts.Kind})
		}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Run{}, err
	}
	id := opts.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	now := e.stamp()
	run := domain.Run{
		ID:        id,
		ProjectID: opts.ProjectID,
		Kind:      opts.Kind,
		Status:    domain.StatusPending,
		Metadata:  opts.Metadata,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Run{}, apperr.New(apperr.Conflict, "run %s already exists", id)
		}
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "run.created", ProjectID: run.ProjectID, EntityKind: "run", EntityID: run.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"kind": run.Kind, "status": run.Status},
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	metrics.RunTransitions.WithLabelValues(run.Kind, run.Status).Inc()
	return run, nil
}

// AttachWorkflowRun records the substrate execution handle on a run.
func (e Engine) AttachWorkflowRun(ctx context.Context, runID, workflowRunID string) (domain.Run, error) {
	if workflowRunID == "" {
		return domain.Run{}, apperr.New(apperr.BadRequest, "workflow run id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AttachWorkflowRun(ctx, tx, runID, workflowRunID, e.stamp()); err != nil {
		return domain.Run{}, err
	}
	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "run.started", ProjectID: run.ProjectID, EntityKind: "run", EntityID: run.ID,
		Payload: events.EventPayload{"workflow_run_id": workflowRunID, "status": run.Status},
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	metrics.RunTransitions.WithLabelValues(run.Kind, run.Status).Inc()
	return run, nil
}

// MarkRunFailed fails a non-terminal run. It reports false when the run was
// already terminal.
func (e Engine) MarkRunFailed(ctx context.Context, runID, reason string) (bool, error) {
	_, changed, err := e.transition(ctx, runID, domain.StatusFailed, reason, "", false)
	return changed, err
}

// FailRunAndSteps fails a non-terminal run and every open step in one
// transaction. It reports false when the run was already terminal.
func (e Engine) FailRunAndSteps(ctx context.Context, runID, reason string) (bool, error) {
	_, changed, err := e.transition(ctx, runID, domain.StatusFailed, reason, "", true)
	return changed, err
}

// MarkRunSucceeded completes a non-terminal run.
func (e Engine) MarkRunSucceeded(ctx context.Context, runID string) (bool, error) {
	_, changed, err := e.transition(ctx, runID, domain.StatusSucceeded, "", "", false)
	return changed, err
}

// transition moves a run to target with a compare-and-swap on the status
// observed inside the transaction. Terminal runs are left untouched.
func (e Engine) transition(ctx context.Context, runID, target, errMsg, actorID string, failSteps bool) (domain.Run, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, false, err
	}
	defer tx.Rollback()
	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, false, err
	}
	if domain.IsTerminal(run.Status) {
		return run, false, nil
	}
	if err := ensureRunTransition(run.Status, target); err != nil {
		return run, false, err
	}
	now := e.stamp()
	ok, err := e.Repo.TransitionRun(ctx, tx, runID, target, errMsg, now, run.Status)
	if err != nil {
		return run, false, err
	}
	if !ok {
		return run, false, apperr.New(apperr.Conflict, "run %s changed concurrently", runID)
	}
	payload := events.EventPayload{"from": run.Status, "to": target}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if failSteps {
		n, err := e.Repo.FailOpenSteps(ctx, tx, runID, errMsg, now)
		if err != nil {
			return run, false, err
		}
		payload["steps_failed"] = n
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "run." + target, ProjectID: run.ProjectID, EntityKind: "run", EntityID: run.ID, ActorID: actorID, Payload: payload,
	}); err != nil {
		return run, false, err
	}
	if err := tx.Commit(); err != nil {
		return run, false, err
	}
	run.Status = target
	run.UpdatedAt = now
	if errMsg != "" {
		run.Error = errMsg
	}
	metrics.RunTransitions.WithLabelValues(run.Kind, target).Inc()
	return run, true, nil
}

func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusPending:
		switch newStatus {
		case domain.StatusRunning, domain.StatusSucceeded, domain.StatusFailed, domain.StatusCanceled:
			return nil
		}
	case domain.StatusRunning:
		switch newStatus {
		case domain.StatusSucceeded, domain.StatusFailed, domain.StatusCanceled:
			return nil
		}
	}
	return apperr.New(apperr.Conflict, "invalid run status transition %s -> %s", oldStatus, newStatus)
}

// CancelResult describes what a cancellation changed.
type CancelResult struct {
	Run           domain.Run `json:"run"`
	Canceled      bool       `json:"canceled"`
	StepsCanceled int64      `json:"steps_canceled"`
}

// CancelRunAndSteps cancels a run and every open step in one transaction.
// Succeeded and failed runs are never touched and a second call is a no-op.
// The run update re-checks the non-terminal status in its WHERE clause, so
// a concurrent terminal transition wins over cancellation.
func (e Engine) CancelRunAndSteps(ctx context.Context, runID string, now time.Time, actorID string) (CancelResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CancelResult{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return CancelResult{}, err
	}
	if domain.IsTerminal(run.Status) {
		return CancelResult{Run: run}, nil
	}
	stamp := now.UTC().Format(time.RFC3339)
	ok, err := e.Repo.TransitionRun(ctx, tx, runID, domain.StatusCanceled, "", stamp, domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel run: %w", err)
	}
	if !ok {
		current, err := e.Repo.GetRunTx(ctx, tx, runID)
		if err != nil {
			return CancelResult{}, err
		}
		return CancelResult{Run: current}, nil
	}
	n, err := e.Repo.CancelOpenSteps(ctx, tx, runID, stamp)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel steps: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "run.canceled", ProjectID: run.ProjectID, EntityKind: "run", EntityID: run.ID, ActorID: actorID,
		Payload: events.EventPayload{"from": run.Status, "steps_canceled": n},
	}); err != nil {
		return CancelResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CancelResult{}, err
	}
	metrics.RunTransitions.WithLabelValues(run.Kind, domain.StatusCanceled).Inc()
	run.Status = domain.StatusCanceled
	run.UpdatedAt = stamp
	return CancelResult{Run: run, Canceled: true, StepsCanceled: n}, nil
}

// StartStep records a step as running. started is false when the step
// already existed, which makes redelivered callbacks detectable.
func (e Engine) StartStep(ctx context.Context, runID, stepID string) (domain.RunStep, bool, error) {
	if strings.TrimSpace(stepID) == "" {
		return domain.RunStep{}, false, apperr.New(apperr.BadRequest, "step id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunStep{}, false, err
	}
	defer tx.Rollback()
	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.RunStep{}, false, err
	}
	if domain.IsTerminal(run.Status) {
		return domain.RunStep{}, false, fmt.Errorf("start step %s: %w", stepID, ErrRunTerminal)
	}
	created, err := e.Repo.InsertStepIfAbsent(ctx, tx, runID, stepID, e.stamp())
	if err != nil {
		return domain.RunStep{}, false, err
	}
	step, err := e.Repo.GetStep(ctx, tx, runID, stepID)
	if err != nil {
		return step, false, err
	}
	if created {
		if err := e.Events.Append(ctx, tx, events.Event{
			Type: "step.started", ProjectID: run.ProjectID, EntityKind: "step", EntityID: runID + "/" + stepID,
		}); err != nil {
			return step, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return step, false, err
	}
	return step, created, nil
}

// ClaimStep leases an open step to the caller for lease. Deliveries in
// other processes see false until the lease is released or expires, so a
// crashed holder only delays re-execution.
func (e Engine) ClaimStep(ctx context.Context, runID, stepID string, lease time.Duration) (bool, error) {
	now := e.now().UTC()
	return e.Repo.ClaimStep(ctx, nil, runID, stepID, now.Format(time.RFC3339), now.Add(lease).Format(time.RFC3339))
}

// ReleaseStep ends a lease taken by ClaimStep.
func (e Engine) ReleaseStep(ctx context.Context, runID, stepID string) error {
	return e.Repo.ReleaseStep(ctx, nil, runID, stepID)
}

// FinishStep sets a step's terminal status once. Later calls report false.
func (e Engine) FinishStep(ctx context.Context, runID, stepID, status, errMsg string) (bool, error) {
	if !domain.IsTerminal(status) {
		return false, apperr.New(apperr.BadRequest, "step status %q is not terminal", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return false, err
	}
	ok, err := e.Repo.FinishStep(ctx, tx, runID, stepID, status, errMsg, e.stamp())
	if err != nil || !ok {
		return false, err
	}
	payload := events.EventPayload{"status": status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "step.finished", ProjectID: run.ProjectID, EntityKind: "step", EntityID: runID + "/" + stepID, Payload: payload,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
