package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"runline/internal/apperr"
	"runline/internal/repo"
)

const (
	PermRunCreate      = "run.create"
	PermRunRead        = "run.read"
	PermRunCancel      = "run.cancel"
	PermApprovalDecide = "approval.decide"
	PermArtifactRead   = "artifact.read"
)

const (
	RoleOwner  = "owner"
	RoleViewer = "viewer"
)

// ForbiddenError indicates missing permission.
func ForbiddenError(permission string) error {
	return apperr.New(apperr.Forbidden, "permission %s required", permission).
		WithDetails(map[string]any{"permission": permission})
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) q(q repo.Querier) repo.Querier {
	if q != nil {
		return q
	}
	return s.DB
}

func (s Service) EnsureActor(ctx context.Context, q repo.Querier, actorID string) error {
	if actorID == "" {
		return apperr.New(apperr.BadRequest, "actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, q repo.Querier, projectID, actorID, perm string) (bool, error) {
	row := s.q(q).QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		projectID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require fails with forbidden unless actorID holds perm on projectID.
func (s Service) Require(ctx context.Context, q repo.Querier, projectID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, q, projectID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError(perm)
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, q repo.Querier, projectID, actorID string) ([]string, error) {
	return s.strings(ctx, q, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, q repo.Querier, projectID, actorID string) ([]string, error) {
	return s.strings(ctx, q, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, projectID, actorID)
}

func (s Service) strings(ctx context.Context, q repo.Querier, query string, args ...any) ([]string, error) {
	rows, err := s.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
