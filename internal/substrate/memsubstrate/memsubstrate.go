// Package memsubstrate runs workflow executions in process. Each execution
// delivers one step callback per step, in order, retrying retryable
// failures with backoff, which gives the dispatcher the same at-least-once
// delivery it sees from a hosted queue.
package memsubstrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"runline/internal/apperr"
	"runline/internal/logger"
	"runline/internal/queue"
	"runline/internal/substrate"
)

type Substrate struct {
	// Submitter receives step callbacks. It is set after construction
	// because the dispatcher that serves callbacks needs the substrate.
	Submitter   queue.Submitter
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger

	mu    sync.Mutex
	execs map[string]*execution
	wg    sync.WaitGroup
}

type execution struct {
	substrate.Execution
	cancel context.CancelFunc
}

func New(submitter queue.Submitter) *Substrate {
	return &Substrate{
		Submitter:   submitter,
		MaxAttempts: 5,
		Backoff:     200 * time.Millisecond,
		execs:       map[string]*execution{},
	}
}

var _ substrate.Substrate = (*Substrate)(nil)

func (s *Substrate) Start(ctx context.Context, req substrate.StartRequest) (string, error) {
	if req.RunID == "" {
		return "", apperr.New(apperr.BadRequest, "run id is required")
	}
	if s.Submitter == nil {
		return "", apperr.New(apperr.EnvInvalid, "substrate has no step submitter")
	}
	id := "wf_" + uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &execution{
		Execution: substrate.Execution{ID: id, RunID: req.RunID, State: substrate.StateRunning},
		cancel:    cancel,
	}
	s.mu.Lock()
	if s.execs == nil {
		s.execs = map[string]*execution{}
	}
	s.execs[id] = e
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.finish(id, s.run(runCtx, req))
	}()
	return id, nil
}

func (s *Substrate) run(ctx context.Context, req substrate.StartRequest) string {
	log := logger.Or(s.Logger).With("run_id", req.RunID)
	for _, step := range req.Steps {
		cb := queue.StepCallback{RunID: req.RunID, StepID: step}
		if err := s.deliver(ctx, cb); err != nil {
			if ctx.Err() != nil {
				return substrate.StateCanceled
			}
			log.Warn("step delivery failed", "step_id", step, "err", err)
			return substrate.StateFailed
		}
	}
	return substrate.StateCompleted
}

func (s *Substrate) deliver(ctx context.Context, cb queue.StepCallback) error {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Submitter.Deliver(ctx, cb); err == nil || !queue.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Backoff * time.Duration(1<<i)):
		}
	}
	return err
}

func (s *Substrate) finish(id, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.execs[id]; ok && e.State == substrate.StateRunning {
		e.State = state
	}
}

// Cancel stops delivering further steps. A step already in flight sees its
// context canceled.
func (s *Substrate) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	e, ok := s.execs[executionID]
	if ok && e.State == substrate.StateRunning {
		e.State = substrate.StateCanceled
	}
	s.mu.Unlock()
	if !ok {
		return apperr.New(apperr.NotFound, "execution %s not found", executionID)
	}
	e.cancel()
	return nil
}

func (s *Substrate) Lookup(ctx context.Context, executionID string) (substrate.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[executionID]
	if !ok {
		return substrate.Execution{}, apperr.New(apperr.NotFound, "execution %s not found", executionID)
	}
	return e.Execution, nil
}

// Wait blocks until every started execution has finished.
func (s *Substrate) Wait() {
	s.wg.Wait()
}
