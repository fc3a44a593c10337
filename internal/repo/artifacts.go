package repo

import (
	"context"
	"database/sql"
	"fmt"

	"runline/internal/domain"
)

const artifactColumns = `id,project_id,kind,logical_key,version,encoding,content,content_hash,size,COALESCE(run_id,''),created_at`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	err := row.Scan(&a.ID, &a.ProjectID, &a.Kind, &a.LogicalKey, &a.Version, &a.Encoding, &a.Content, &a.ContentHash, &a.Size, &a.RunID, &a.CreatedAt)
	return a, err
}

// InsertNextArtifactVersion stores a with version = max(version)+1 for its
// (project_id, logical_key) in a single statement and returns the version.
func (r Repo) InsertNextArtifactVersion(ctx context.Context, q Querier, a domain.Artifact) (int, error) {
	var version int
	err := r.q(q).QueryRowContext(ctx, `INSERT INTO artifacts(id,project_id,kind,logical_key,version,encoding,content,content_hash,size,run_id,created_at)
SELECT ?,?,?,?,COALESCE(MAX(version),0)+1,?,?,?,?,?,? FROM artifacts WHERE project_id=? AND logical_key=?
RETURNING version`,
		a.ID, a.ProjectID, a.Kind, a.LogicalKey, a.Encoding, a.Content, a.ContentHash, a.Size, nullable(a.RunID), a.CreatedAt,
		a.ProjectID, a.LogicalKey).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// GetArtifact returns a specific version, or the latest when version <= 0.
func (r Repo) GetArtifact(ctx context.Context, projectID, logicalKey string, version int) (domain.Artifact, error) {
	var row *sql.Row
	if version > 0 {
		row = r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND logical_key=? AND version=?`, projectID, logicalKey, version)
	} else {
		row = r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND logical_key=? ORDER BY version DESC LIMIT 1`, projectID, logicalKey)
	}
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return a, notFound("artifact", fmt.Sprintf("%s@%d", logicalKey, version))
	}
	return a, err
}

// ListArtifacts returns metadata (content omitted) ordered by key then version.
func (r Repo) ListArtifacts(ctx context.Context, projectID, logicalKey string) ([]domain.Artifact, error) {
	query := `SELECT id,project_id,kind,logical_key,version,encoding,content_hash,size,COALESCE(run_id,''),created_at FROM artifacts WHERE project_id=?`
	args := []any{projectID}
	if logicalKey != "" {
		query += ` AND logical_key=?`
		args = append(args, logicalKey)
	}
	query += ` ORDER BY logical_key ASC, version ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Kind, &a.LogicalKey, &a.Version, &a.Encoding, &a.ContentHash, &a.Size, &a.RunID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// FindRunArtifact returns the newest version of logicalKey written by runID
// with the given content hash.
func (r Repo) FindRunArtifact(ctx context.Context, projectID, logicalKey, runID, contentHash string) (domain.Artifact, error) {
	a, err := scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
WHERE project_id=? AND logical_key=? AND run_id=? AND content_hash=? ORDER BY version DESC LIMIT 1`,
		projectID, logicalKey, runID, contentHash))
	if err == sql.ErrNoRows {
		return a, notFound("artifact", logicalKey+" for run "+runID)
	}
	return a, err
}
