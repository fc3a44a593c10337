package repo

import (
	"context"
	"database/sql"
)

// EnsureActor registers actorID on first sight.
func (r Repo) EnsureActor(ctx context.Context, q Querier, actorID string, now string) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, actorID, now)
	return err
}

// AssignRole grants roleID on a project. It reports false when the actor
// already held the role.
func (r Repo) AssignRole(ctx context.Context, q Querier, projectID, actorID, roleID string) (bool, error) {
	return affected(r.q(q).ExecContext(ctx,
		`INSERT INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		projectID, actorID, roleID))
}

// UnassignRole removes roleID on a project. It reports false when the
// actor did not hold the role.
func (r Repo) UnassignRole(ctx context.Context, q Querier, projectID, actorID, roleID string) (bool, error) {
	return affected(r.q(q).ExecContext(ctx,
		`DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`,
		projectID, actorID, roleID))
}

// CountRoleHolders counts actors holding roleID on a project.
func (r Repo) CountRoleHolders(ctx context.Context, q Querier, projectID, roleID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(1) FROM actor_roles WHERE project_id=? AND role_id=?`, projectID, roleID).Scan(&n)
	return n, err
}

func (r Repo) RoleExists(ctx context.Context, roleID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE id=?`, roleID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
