// Package substrate defines the durable workflow engine runs execute on.
// The engine is an external collaborator: runline starts executions,
// cancels them and reacts to the step callbacks they deliver.
package substrate

import "context"

// Execution states reported by Lookup.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// StartRequest binds a new execution to a run.
type StartRequest struct {
	RunID     string
	ProjectID string
	Kind      string
	Steps     []string
}

// Execution is the substrate's view of one workflow execution.
type Execution struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// Live reports whether the execution can still produce events.
func (e Execution) Live() bool {
	return e.State == StateRunning
}

// Substrate starts and cancels workflow executions. Lookup returns a
// not_found error for unknown execution ids.
type Substrate interface {
	Start(ctx context.Context, req StartRequest) (string, error)
	Cancel(ctx context.Context, executionID string) error
	Lookup(ctx context.Context, executionID string) (Execution, error)
}
