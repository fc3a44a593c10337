package domain

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

const (
	ApprovalRequested = "requested"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
)

// IsTerminal reports whether a run or step status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// TerminalStatuses lists every terminal run/step status.
func TerminalStatuses() []string {
	return []string{StatusSucceeded, StatusFailed, StatusCanceled}
}

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Run struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Kind          string         `json:"kind"`
	Status        string         `json:"status" enum:"pending,running,succeeded,failed,canceled"`
	WorkflowRunID *string        `json:"workflow_run_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type RunStep struct {
	ID        string  `json:"id"`
	RunID     string  `json:"run_id"`
	Status    string  `json:"status" enum:"pending,running,succeeded,failed,canceled"`
	Error     string  `json:"error,omitempty"`
	StartedAt *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt   *string `json:"ended_at,omitempty" format:"date-time"`
}

type ApprovalRequest struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	ProjectID     string         `json:"project_id"`
	Scope         string         `json:"scope"`
	IntentSummary string         `json:"intent_summary"`
	Status        string         `json:"status" enum:"requested,approved,rejected"`
	ApprovedBy    *string        `json:"approved_by,omitempty"`
	ApprovedAt    *string        `json:"approved_at,omitempty" format:"date-time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type Artifact struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	LogicalKey  string `json:"logical_key"`
	Version     int    `json:"version"`
	Content     []byte `json:"-"`
	Encoding    string `json:"encoding"`
	ContentHash string `json:"content_hash"`
	Size        int    `json:"size"`
	RunID       string `json:"run_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// APIKey represents an API key credential (hash only).
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
}
