package repo

import (
	"context"
	"database/sql"
	"errors"

	"runline/internal/apperr"
)

// StreamRow is one persisted stream event.
type StreamRow struct {
	RunID     string
	Seq       int64
	Kind      string
	Payload   string
	CreatedAt string
}

// ErrStreamFinished is returned when appending after the finish marker.
var ErrStreamFinished = apperr.New(apperr.Conflict, "stream is finished")

// AppendStreamEvent assigns the next sequence position (starting at 0) and
// stores the event. Nothing is appended once a finish marker exists.
func (r Repo) AppendStreamEvent(ctx context.Context, q Querier, runID, kind, payload, now string) (int64, error) {
	var seq int64
	err := r.q(q).QueryRowContext(ctx, `INSERT INTO stream_events(run_id,seq,kind,payload_json,created_at)
SELECT ?,next,?,?,? FROM (SELECT COALESCE(MAX(seq)+1,0) AS next FROM stream_events WHERE run_id=?)
WHERE NOT EXISTS (SELECT 1 FROM stream_events WHERE run_id=? AND kind='finish')
RETURNING seq`, runID, kind, payload, now, runID, runID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStreamFinished
	}
	return seq, err
}

// ListStreamEvents returns events with seq >= from in ascending order.
func (r Repo) ListStreamEvents(ctx context.Context, runID string, from int64, limit int) ([]StreamRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,seq,kind,payload_json,created_at FROM stream_events WHERE run_id=? AND seq>=? ORDER BY seq ASC LIMIT ?`, runID, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StreamRow
	for rows.Next() {
		var s StreamRow
		if err := rows.Scan(&s.RunID, &s.Seq, &s.Kind, &s.Payload, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StreamFinished reports whether the run's stream already carries its finish marker.
func (r Repo) StreamFinished(ctx context.Context, runID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM stream_events WHERE run_id=? AND kind='finish'`, runID).Scan(&n)
	return n > 0, err
}
