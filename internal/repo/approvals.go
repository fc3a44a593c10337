package repo

import (
	"context"
	"database/sql"

	"runline/internal/domain"
)

const approvalColumns = `id,run_id,project_id,scope,intent_summary,status,approved_by,approved_at,metadata_json,created_at`

func scanApproval(row rowScanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var by, at sql.NullString
	var meta string
	if err := row.Scan(&a.ID, &a.RunID, &a.ProjectID, &a.Scope, &a.IntentSummary, &a.Status, &by, &at, &meta, &a.CreatedAt); err != nil {
		return a, err
	}
	a.ApprovedBy = ptr(by)
	a.ApprovedAt = ptr(at)
	a.Metadata = unmarshalMap(meta)
	return a, nil
}

// EnsureApproval inserts a request unless one exists for (run_id, scope), then returns the stored row.
func (r Repo) EnsureApproval(ctx context.Context, q Querier, a domain.ApprovalRequest) (domain.ApprovalRequest, bool, error) {
	meta, err := marshalMap(a.Metadata)
	if err != nil {
		return a, false, err
	}
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO approval_requests(id,run_id,project_id,scope,intent_summary,status,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(run_id, scope) DO NOTHING`,
		a.ID, a.RunID, a.ProjectID, a.Scope, a.IntentSummary, a.Status, meta, a.CreatedAt)
	if err != nil {
		return a, false, err
	}
	n, _ := res.RowsAffected()
	stored, err := scanApproval(r.q(q).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE run_id=? AND scope=?`, a.RunID, a.Scope))
	if err != nil {
		return a, false, err
	}
	return stored, n > 0, nil
}

func (r Repo) GetApproval(ctx context.Context, q Querier, id string) (domain.ApprovalRequest, error) {
	a, err := scanApproval(r.q(q).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, notFound("approval", id)
	}
	return a, err
}

func (r Repo) ListApprovals(ctx context.Context, runID string) ([]domain.ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveApproval records a decision on a request that is still requested.
func (r Repo) ResolveApproval(ctx context.Context, q Querier, id, status, approvedBy, approvedAt string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE approval_requests SET status=?, approved_by=?, approved_at=? WHERE id=? AND status='requested'`,
		status, approvedBy, approvedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
