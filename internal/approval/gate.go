// Package approval suspends a run until a human decides on a gated action.
// Requests are unique per (run, scope) and are resumed with a token equal
// to the request id.
package approval

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"runline/internal/apperr"
	"runline/internal/domain"
	"runline/internal/engine/auth"
	"runline/internal/events"
	"runline/internal/logger"
	"runline/internal/repo"
)

// Decision is the payload a suspended run resumes with.
type Decision struct {
	ApprovalID string `json:"approvalId"`
	Scope      string `json:"scope"`
	Approved   bool   `json:"approved"`
	ApprovedBy string `json:"approvedBy"`
	ApprovedAt string `json:"approvedAt"`
}

type Gate struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Auth         auth.Service
	Now          func() time.Time
	PollInterval time.Duration
	Logger       *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewGate(db *sql.DB) *Gate {
	return &Gate{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Auth:    auth.Service{DB: db},
		Now:     time.Now,
		waiters: map[string][]chan struct{}{},
	}
}

func (g *Gate) stamp() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Request describes a gated action.
type Request struct {
	RunID         string
	Scope         string
	IntentSummary string
	Metadata      map[string]any
}

// Ensure creates the request for (RunID, Scope) unless one exists, and
// returns the stored row. Replays get the original request back.
func (g *Gate) Ensure(ctx context.Context, req Request) (domain.ApprovalRequest, bool, error) {
	if strings.TrimSpace(req.Scope) == "" {
		return domain.ApprovalRequest{}, false, apperr.New(apperr.BadRequest, "approval scope is required")
	}
	run, err := g.Repo.GetRun(ctx, req.RunID)
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	defer tx.Rollback()
	stored, created, err := g.Repo.EnsureApproval(ctx, tx, domain.ApprovalRequest{
		ID:            "apr_" + uuid.NewString(),
		RunID:         run.ID,
		ProjectID:     run.ProjectID,
		Scope:         req.Scope,
		IntentSummary: req.IntentSummary,
		Status:        domain.ApprovalRequested,
		Metadata:      req.Metadata,
		CreatedAt:     g.stamp(),
	})
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	if created {
		if err := g.Events.Append(ctx, tx, events.Event{
			Type: "approval.requested", ProjectID: run.ProjectID, EntityKind: "approval", EntityID: stored.ID,
			Payload: events.EventPayload{"run_id": run.ID, "scope": stored.Scope, "intent": stored.IntentSummary},
		}); err != nil {
			return domain.ApprovalRequest{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	return stored, created, nil
}

// Await blocks until the request is resolved or ctx ends. Decisions are
// durable, so a replayed step that awaits an already resolved request
// returns immediately.
func (g *Gate) Await(ctx context.Context, approvalID string) (Decision, error) {
	wake := g.subscribe(approvalID)
	defer g.unsubscribe(approvalID, wake)
	interval := g.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		a, err := g.Repo.GetApproval(ctx, nil, approvalID)
		if err != nil {
			return Decision{}, err
		}
		if a.Status != domain.ApprovalRequested {
			return decisionOf(a), nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Decision{}, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Request ensures the approval request and waits for its decision.
func (g *Gate) Request(ctx context.Context, req Request) (Decision, error) {
	a, _, err := g.Ensure(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if a.Status != domain.ApprovalRequested {
		return decisionOf(a), nil
	}
	return g.Await(ctx, a.ID)
}

func decisionOf(a domain.ApprovalRequest) Decision {
	d := Decision{ApprovalID: a.ID, Scope: a.Scope, Approved: a.Status == domain.ApprovalApproved}
	if a.ApprovedBy != nil {
		d.ApprovedBy = *a.ApprovedBy
	}
	if a.ApprovedAt != nil {
		d.ApprovedAt = *a.ApprovedAt
	}
	return d
}

// Resume is the programmatic resume payload keyed by the approval id.
type Resume struct {
	ApprovalID string
	ApprovedBy string
	ApprovedAt string
	Scope      string
}

// ResumeRun approves the request identified by the token and wakes the
// suspended run. An unknown token is not_found.
func (g *Gate) ResumeRun(ctx context.Context, in Resume) (domain.ApprovalRequest, error) {
	if strings.TrimSpace(in.ApprovedBy) == "" {
		return domain.ApprovalRequest{}, apperr.New(apperr.BadRequest, "approvedBy is required")
	}
	at := in.ApprovedAt
	if at == "" {
		at = g.stamp()
	} else if _, err := time.Parse(time.RFC3339, at); err != nil {
		return domain.ApprovalRequest{}, apperr.New(apperr.BadRequest, "approvedAt must be RFC3339")
	}
	return g.resolve(ctx, in.ApprovalID, in.Scope, domain.ApprovalApproved, in.ApprovedBy, at)
}

// Decide records a human decision after checking the actor may decide
// approvals on the run's project.
func (g *Gate) Decide(ctx context.Context, approvalID, actorID string, approved bool) (domain.ApprovalRequest, error) {
	a, err := g.Repo.GetApproval(ctx, nil, approvalID)
	if err != nil {
		return a, err
	}
	if err := g.Auth.Require(ctx, nil, a.ProjectID, actorID, auth.PermApprovalDecide); err != nil {
		return a, err
	}
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}
	return g.resolve(ctx, approvalID, "", status, actorID, g.stamp())
}

func (g *Gate) resolve(ctx context.Context, approvalID, scope, status, by, at string) (domain.ApprovalRequest, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()
	a, err := g.Repo.GetApproval(ctx, tx, approvalID)
	if err != nil {
		return a, err
	}
	if scope != "" && scope != a.Scope {
		return a, apperr.New(apperr.BadRequest, "scope %q does not match approval scope %q", scope, a.Scope).
			WithDetails(map[string]any{"approval_id": a.ID})
	}
	ok, err := g.Repo.ResolveApproval(ctx, tx, approvalID, status, by, at)
	if err != nil {
		return a, err
	}
	if !ok {
		return a, apperr.New(apperr.Conflict, "approval %s already %s", a.ID, a.Status)
	}
	if err := g.Events.Append(ctx, tx, events.Event{
		Type: "approval.resolved", ProjectID: a.ProjectID, EntityKind: "approval", EntityID: a.ID, ActorID: by,
		Payload: events.EventPayload{"run_id": a.RunID, "scope": a.Scope, "status": status},
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = status
	a.ApprovedBy = &by
	a.ApprovedAt = &at
	g.notify(approvalID)
	logger.Or(g.Logger).Info("approval resolved", "approval_id", a.ID, "run_id", a.RunID, "status", status)
	return a, nil
}

// List returns a run's approval requests.
func (g *Gate) List(ctx context.Context, runID string) ([]domain.ApprovalRequest, error) {
	if _, err := g.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return g.Repo.ListApprovals(ctx, runID)
}

func (g *Gate) subscribe(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters == nil {
		g.waiters = map[string][]chan struct{}{}
	}
	g.waiters[id] = append(g.waiters[id], ch)
	return ch
}

func (g *Gate) unsubscribe(id string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[id]
	for i, c := range list {
		if c == ch {
			g.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.waiters[id]) == 0 {
		delete(g.waiters, id)
	}
}

func (g *Gate) notify(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
