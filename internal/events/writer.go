package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runline/internal/repo"
)

// Redactor scrubs secret-shaped content from audit payloads.
type Redactor interface {
	Value(v any) any
}

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now      func() time.Time
	Redactor Redactor
}

type EventPayload map[string]any

// Event is one audit record.
type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, q repo.Querier, evt Event) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var payload any = evt.Payload
	if evt.Payload == nil {
		payload = EventPayload{}
	}
	if w.Redactor != nil {
		payload = w.Redactor.Value(payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := evt.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
