// Package dispatch starts runs on the workflow substrate, cancels them and
// executes the step callbacks the substrate delivers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"runline/internal/apperr"
	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/logger"
	"runline/internal/metrics"
	"runline/internal/queue"
	"runline/internal/redact"
	"runline/internal/stream"
	"runline/internal/substrate"
)

// StepRequest identifies one step delivery.
type StepRequest struct {
	Origin string
	RunID  string
	StepID string
}

// StepHandler executes the body of a step. It must tolerate being invoked
// again for the same step after a crash.
type StepHandler interface {
	ExecuteStep(ctx context.Context, run domain.Run, req StepRequest) error
}

type StepHandlerFunc func(ctx context.Context, run domain.Run, req StepRequest) error

func (f StepHandlerFunc) ExecuteStep(ctx context.Context, run domain.Run, req StepRequest) error {
	return f(ctx, run, req)
}

// Step outcomes reported to the caller and to metrics.
const (
	OutcomeExecuted  = "executed"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// StepResult is returned for every accepted callback.
type StepResult struct {
	RunID      string `json:"runId"`
	StepID     string `json:"stepId"`
	Outcome    string `json:"outcome"`
	StepStatus string `json:"stepStatus,omitempty"`
	RunStatus  string `json:"runStatus,omitempty"`
}

type Dispatcher struct {
	Engine    engine.Engine
	Substrate substrate.Substrate
	Streams   *stream.Store
	Handler   StepHandler
	Signer    queue.Signer
	Origin    string
	Logger    *slog.Logger
	// Redactor scrubs failure reasons before they are stored, logged or
	// published. Nil leaves them as is.
	Redactor *redact.Redactor

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func New(eng engine.Engine, sub substrate.Substrate, streams *stream.Store, handler StepHandler) *Dispatcher {
	return &Dispatcher{
		Engine:    eng,
		Substrate: sub,
		Streams:   streams,
		Handler:   handler,
		inflight:  map[string]context.CancelFunc{},
	}
}

func (d *Dispatcher) log() *slog.Logger { return logger.Or(d.Logger) }

func (d *Dispatcher) scrub(err error) string { return d.Redactor.Text(err.Error()) }

func (d *Dispatcher) steps(kind string) []string {
	if d.Engine.Config == nil {
		return nil
	}
	return d.Engine.Config.Steps(kind)
}

// StartInput describes a run to start.
type StartInput struct {
	ProjectID string
	Kind      string
	Metadata  map[string]any
	ActorID   string
}

// StartProjectRun creates a run and starts its execution. A failed start
// marks the run failed and returns the start error. If the execution
// handle cannot be persisted the execution is canceled, the run is marked
// failed and the persistence error is returned. Compensation failures are
// logged and never replace the original error.
func (d *Dispatcher) StartProjectRun(ctx context.Context, in StartInput) (domain.Run, error) {
	run, err := d.Engine.CreateRun(ctx, engine.CreateRunOptions{
		ProjectID: in.ProjectID, Kind: in.Kind, Metadata: in.Metadata, ActorID: in.ActorID,
	})
	if err != nil {
		return domain.Run{}, err
	}
	log := d.log().With("run_id", run.ID)
	wfID, err := d.Substrate.Start(ctx, substrate.StartRequest{
		RunID: run.ID, ProjectID: run.ProjectID, Kind: run.Kind, Steps: d.steps(run.Kind),
	})
	if err != nil {
		log.Error("workflow start failed", "err", d.scrub(err))
		d.failRun(ctx, run.ID, "workflow start failed: "+d.scrub(err))
		return run, err
	}
	attached, err := d.Engine.AttachWorkflowRun(ctx, run.ID, wfID)
	if err != nil {
		log.Error("persist workflow run id failed", "workflow_run_id", wfID, "err", d.scrub(err))
		BestEffort(context.WithoutCancel(ctx), d.Logger, "substrate_cancel", func(ctx context.Context) error {
			return d.Substrate.Cancel(ctx, wfID)
		}, "run_id", run.ID, "workflow_run_id", wfID)
		d.failRun(ctx, run.ID, "persist workflow run id failed: "+d.scrub(err))
		return run, err
	}
	d.emit(ctx, run.ID, stream.Status{State: domain.StatusRunning, Message: "workflow " + wfID + " started"})
	log.Info("run started", "workflow_run_id", wfID, "kind", run.Kind)
	return attached, nil
}

// failRun is the compensation used when starting a run goes wrong.
func (d *Dispatcher) failRun(ctx context.Context, runID, reason string) Outcome {
	ctx = context.WithoutCancel(ctx)
	out := BestEffort(ctx, d.Logger, "mark_run_failed", func(ctx context.Context) error {
		_, err := d.Engine.MarkRunFailed(ctx, runID, reason)
		return err
	}, "run_id", runID)
	d.closeStream(ctx, runID, domain.StatusFailed)
	return out
}

// CancelProjectRun cancels the substrate execution when there is one, then
// always cancels the durable record. Substrate failures are logged.
func (d *Dispatcher) CancelProjectRun(ctx context.Context, runID, actorID string) (engine.CancelResult, error) {
	run, err := d.Engine.Repo.GetRun(ctx, runID)
	if err != nil {
		return engine.CancelResult{}, err
	}
	if domain.IsTerminal(run.Status) {
		return engine.CancelResult{Run: run}, nil
	}
	if run.WorkflowRunID != nil && *run.WorkflowRunID != "" {
		wfID := *run.WorkflowRunID
		BestEffort(ctx, d.Logger, "substrate_cancel", func(ctx context.Context) error {
			return d.Substrate.Cancel(ctx, wfID)
		}, "run_id", runID, "workflow_run_id", wfID)
	}
	res, err := d.Engine.CancelRunAndSteps(ctx, runID, d.Engine.Now(), actorID)
	if err != nil {
		return res, err
	}
	d.abortInflight(runID)
	if res.Canceled {
		d.closeStream(ctx, runID, domain.StatusCanceled)
		d.log().Info("run canceled", "run_id", runID, "steps_canceled", res.StepsCanceled)
	}
	return res, nil
}

// HandleCallback verifies the signature over the raw body before parsing
// it, then executes the step.
func (d *Dispatcher) HandleCallback(ctx context.Context, origin, signature string, body []byte) (StepResult, error) {
	if err := d.Signer.Verify(signature, body); err != nil {
		metrics.QueueCallbacks.WithLabelValues("unauthorized").Inc()
		return StepResult{}, err
	}
	cb, err := queue.DecodeCallback(body)
	if err != nil {
		metrics.QueueCallbacks.WithLabelValues("bad_request").Inc()
		return StepResult{}, err
	}
	metrics.QueueCallbacks.WithLabelValues("accepted").Inc()
	return d.ExecuteRunStep(ctx, StepRequest{Origin: origin, RunID: cb.RunID, StepID: cb.StepID})
}

// Deliver lets the dispatcher stand in for the HTTP callback client when
// the substrate runs in the same process.
func (d *Dispatcher) Deliver(ctx context.Context, cb queue.StepCallback) error {
	_, err := d.ExecuteRunStep(ctx, StepRequest{Origin: d.Origin, RunID: cb.RunID, StepID: cb.StepID})
	return err
}

var _ queue.Submitter = (*Dispatcher)(nil)

// ExecuteRunStep executes one step at most once per successful delivery.
// Redeliveries of a finished step, deliveries for terminal runs and
// deliveries racing an in-flight execution of the same step are
// acknowledged without running the handler. A handler failure fails the
// step and the run.
func (d *Dispatcher) ExecuteRunStep(ctx context.Context, req StepRequest) (StepResult, error) {
	if strings.TrimSpace(req.RunID) == "" || strings.TrimSpace(req.StepID) == "" {
		return StepResult{}, apperr.New(apperr.BadRequest, "runId and stepId are required")
	}
	res := StepResult{RunID: req.RunID, StepID: req.StepID}
	run, err := d.Engine.Repo.GetRun(ctx, req.RunID)
	if err != nil {
		return res, err
	}
	res.RunStatus = run.Status
	if domain.IsTerminal(run.Status) {
		return d.count(res, OutcomeSkipped, time.Now()), nil
	}
	key := req.RunID + "/" + req.StepID
	stepCtx, cancel, ok := d.claim(ctx, key, d.timeout(run.Kind))
	if !ok {
		return d.count(res, OutcomeDuplicate, time.Now()), nil
	}
	defer d.release(key, cancel)

	step, started, err := d.Engine.StartStep(ctx, req.RunID, req.StepID)
	if errors.Is(err, engine.ErrRunTerminal) {
		return d.count(res, OutcomeSkipped, time.Now()), nil
	}
	if err != nil {
		return res, err
	}
	res.StepStatus = step.Status
	if !started && domain.IsTerminal(step.Status) {
		return d.count(res, OutcomeDuplicate, time.Now()), nil
	}
	leased, err := d.Engine.ClaimStep(ctx, req.RunID, req.StepID, d.timeout(run.Kind))
	if err != nil {
		return res, err
	}
	if !leased {
		// executing in another process
		return d.count(res, OutcomeDuplicate, time.Now()), nil
	}
	defer BestEffort(context.WithoutCancel(ctx), d.Logger, "release_step", func(ctx context.Context) error {
		return d.Engine.ReleaseStep(ctx, req.RunID, req.StepID)
	}, "run_id", req.RunID, "step_id", req.StepID)
	log := d.log().With("run_id", req.RunID, "step_id", req.StepID)
	if !started {
		log.Info("re-executing step left running by an earlier delivery")
	}
	begin := time.Now()
	d.emit(ctx, req.RunID, stream.Status{State: "step.started", Message: req.StepID})

	herr := d.Handler.ExecuteStep(stepCtx, run, req)
	if herr != nil {
		return d.stepFailed(ctx, res, run, req, herr, begin), nil
	}
	finished, err := d.Engine.FinishStep(ctx, req.RunID, req.StepID, domain.StatusSucceeded, "")
	if err != nil {
		return res, err
	}
	if !finished {
		// canceled while the handler ran
		res.StepStatus = domain.StatusCanceled
		res.RunStatus = domain.StatusCanceled
		return d.count(res, OutcomeCanceled, begin), nil
	}
	res.StepStatus = domain.StatusSucceeded
	if d.isLastStep(run.Kind, req.StepID) {
		changed, err := d.Engine.MarkRunSucceeded(ctx, req.RunID)
		if err != nil {
			return res, err
		}
		if changed {
			res.RunStatus = domain.StatusSucceeded
			d.closeStream(ctx, req.RunID, domain.StatusSucceeded)
		}
	}
	log.Info("step executed", "duration", time.Since(begin))
	return d.count(res, OutcomeExecuted, begin), nil
}

func (d *Dispatcher) stepFailed(ctx context.Context, res StepResult, run domain.Run, req StepRequest, herr error, begin time.Time) StepResult {
	ctx = context.WithoutCancel(ctx)
	log := d.log().With("run_id", req.RunID, "step_id", req.StepID)
	reason := d.scrub(herr)
	if errors.Is(herr, context.DeadlineExceeded) {
		reason = fmt.Sprintf("run exceeded its %s wall-clock budget", d.timeout(run.Kind))
	}
	finished, err := d.Engine.FinishStep(ctx, req.RunID, req.StepID, domain.StatusFailed, reason)
	if err != nil {
		log.Error("finish failed step", "err", err)
	}
	changed, err := d.Engine.MarkRunFailed(ctx, req.RunID, reason)
	if err != nil {
		log.Error("mark run failed", "err", err)
	}
	if !finished && !changed {
		// a cancellation got there first
		res.StepStatus = domain.StatusCanceled
		res.RunStatus = domain.StatusCanceled
		return d.count(res, OutcomeCanceled, begin)
	}
	log.Warn("step failed", "err", reason)
	d.emit(ctx, req.RunID, stream.Log{Level: "error", Text: reason})
	if changed {
		d.closeStream(ctx, req.RunID, domain.StatusFailed)
	}
	res.StepStatus = domain.StatusFailed
	res.RunStatus = domain.StatusFailed
	return d.count(res, OutcomeFailed, begin)
}

func (d *Dispatcher) isLastStep(kind, stepID string) bool {
	steps := d.steps(kind)
	return len(steps) == 0 || steps[len(steps)-1] == stepID
}

func (d *Dispatcher) timeout(kind string) time.Duration {
	if d.Engine.Config == nil {
		return 30 * time.Minute
	}
	return d.Engine.Config.RunTimeout(kind)
}

func (d *Dispatcher) count(res StepResult, outcome string, begin time.Time) StepResult {
	res.Outcome = outcome
	metrics.StepExecutions.WithLabelValues(outcome).Inc()
	metrics.StepLatency.WithLabelValues(outcome).Observe(time.Since(begin).Seconds())
	return res
}

// claim registers an in-flight execution of key. It reports false when the
// same step is already executing in this process; ClaimStep covers other
// processes.
func (d *Dispatcher) claim(ctx context.Context, key string, timeout time.Duration) (context.Context, context.CancelFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight == nil {
		d.inflight = map[string]context.CancelFunc{}
	}
	if _, busy := d.inflight[key]; busy {
		return nil, nil, false
	}
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	d.inflight[key] = cancel
	return stepCtx, cancel, true
}

func (d *Dispatcher) release(key string, cancel context.CancelFunc) {
	cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
}

// abortInflight cancels the contexts of steps of runID running here.
func (d *Dispatcher) abortInflight(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cancel := range d.inflight {
		if strings.HasPrefix(key, runID+"/") {
			cancel()
		}
	}
}

func (d *Dispatcher) emit(ctx context.Context, runID string, e stream.Event) {
	if d.Streams == nil {
		return
	}
	BestEffort(ctx, d.Logger, "stream_append", func(ctx context.Context) error {
		_, err := d.Streams.Append(ctx, runID, e)
		return err
	}, "run_id", runID)
}

func (d *Dispatcher) closeStream(ctx context.Context, runID, status string) {
	if d.Streams == nil {
		return
	}
	BestEffort(ctx, d.Logger, "stream_close", func(ctx context.Context) error {
		return d.Streams.Close(ctx, runID, status)
	}, "run_id", runID)
}
