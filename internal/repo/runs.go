package repo

import (
	"context"
	"database/sql"
	"strings"

	"runline/internal/domain"
)

const runColumns = `id,project_id,kind,status,workflow_run_id,metadata_json,COALESCE(error,''),COALESCE(created_by,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var wf sql.NullString
	var meta string
	err := row.Scan(&run.ID, &run.ProjectID, &run.Kind, &run.Status, &wf, &meta, &run.Error, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return run, err
	}
	run.WorkflowRunID = ptr(wf)
	run.Metadata = unmarshalMap(meta)
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, q Querier, run domain.Run) error {
	meta, err := marshalMap(run.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO runs(id,project_id,kind,status,workflow_run_id,metadata_json,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Kind, run.Status, nullableStr(run.WorkflowRunID), meta, nullable(run.CreatedBy), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return r.GetRunTx(ctx, r.DB, id)
}

func (r Repo) GetRunTx(ctx context.Context, q Querier, id string) (domain.Run, error) {
	run, err := scanRun(r.q(q).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return run, notFound("run", id)
	}
	return run, err
}

// RunFilter narrows ListRuns; cursor fields page by (created_at, id) descending.
type RunFilter struct {
	ProjectID       string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryRuns(ctx, query, args...)
}

// ListStaleRuns returns non-terminal runs of kind last updated before the cutoff.
func (r Repo) ListStaleRuns(ctx context.Context, kind, before string) ([]domain.Run, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE kind=? AND status IN ('pending','running') AND updated_at < ? ORDER BY updated_at ASC`, kind, before)
}

func (r Repo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AttachWorkflowRun records the substrate handle and promotes a pending run to running.
// A run that already left pending keeps its status.
func (r Repo) AttachWorkflowRun(ctx context.Context, q Querier, runID, workflowRunID, now string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE runs SET workflow_run_id=?,
  status=CASE WHEN status='pending' THEN 'running' ELSE status END,
  updated_at=? WHERE id=?`, workflowRunID, now, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("run", runID)
	}
	return nil
}

// TransitionRun moves a run to status only while its current status is one of from.
// The guard lives in the WHERE clause so concurrent transitions cannot both win.
func (r Repo) TransitionRun(ctx context.Context, q Querier, runID, status, errMsg, now string, from ...string) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{status, nullable(errMsg), now, runID}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE runs SET status=?, error=COALESCE(?, error), updated_at=? WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const stepColumns = `id,run_id,status,COALESCE(error,''),started_at,ended_at`

func scanStep(row rowScanner) (domain.RunStep, error) {
	var s domain.RunStep
	var started, ended sql.NullString
	if err := row.Scan(&s.ID, &s.RunID, &s.Status, &s.Error, &started, &ended); err != nil {
		return s, err
	}
	s.StartedAt = ptr(started)
	s.EndedAt = ptr(ended)
	return s, nil
}

// InsertStepIfAbsent creates a running step; false means the step already existed.
func (r Repo) InsertStepIfAbsent(ctx context.Context, q Querier, runID, stepID, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO run_steps(run_id,id,status,started_at) VALUES (?,?,'running',?)`, runID, stepID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetStep(ctx context.Context, q Querier, runID, stepID string) (domain.RunStep, error) {
	s, err := scanStep(r.q(q).QueryRowContext(ctx, `SELECT `+stepColumns+` FROM run_steps WHERE run_id=? AND id=?`, runID, stepID))
	if err == sql.ErrNoRows {
		return s, notFound("step", stepID)
	}
	return s, err
}

func (r Repo) ListSteps(ctx context.Context, runID string) ([]domain.RunStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM run_steps WHERE run_id=? ORDER BY started_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// FinishStep sets a terminal status on a step that is not terminal yet.
func (r Repo) FinishStep(ctx context.Context, q Querier, runID, stepID, status, errMsg, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE run_steps SET status=?, error=?, ended_at=? WHERE run_id=? AND id=? AND status IN ('pending','running')`,
		status, nullable(errMsg), now, runID, stepID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimStep takes the execution lease of an open step until until. It
// reports false while another holder's lease is live.
func (r Repo) ClaimStep(ctx context.Context, q Querier, runID, stepID, now, until string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE run_steps SET claimed_until=? WHERE run_id=? AND id=? AND status IN ('pending','running') AND (claimed_until IS NULL OR claimed_until <= ?)`,
		until, runID, stepID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseStep drops the execution lease of a step.
func (r Repo) ReleaseStep(ctx context.Context, q Querier, runID, stepID string) error {
	_, err := r.q(q).ExecContext(ctx, `UPDATE run_steps SET claimed_until=NULL WHERE run_id=? AND id=?`, runID, stepID)
	return err
}

// FailOpenSteps fails every non-terminal step of a run with errMsg.
func (r Repo) FailOpenSteps(ctx context.Context, q Querier, runID, errMsg, now string) (int64, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE run_steps SET status='failed', error=?, ended_at=? WHERE run_id=? AND status IN ('pending','running')`, nullable(errMsg), now, runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelOpenSteps cancels every non-terminal step of a run.
func (r Repo) CancelOpenSteps(ctx context.Context, q Querier, runID, now string) (int64, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE run_steps SET status='canceled', ended_at=? WHERE run_id=? AND status IN ('pending','running')`, now, runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
