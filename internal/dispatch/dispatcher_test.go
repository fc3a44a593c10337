package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runline/internal/apperr"
	"runline/internal/dispatch"
	"runline/internal/domain"
	"runline/internal/queue"
	"runline/internal/redact"
	"runline/internal/repo"
	"runline/internal/stream"
	"runline/internal/substrate"
	"runline/internal/substrate/memsubstrate"
	"runline/internal/testenv"
)

type fakeSubstrate struct {
	mu        sync.Mutex
	startID   string
	startErr  error
	cancelErr error
	started   []substrate.StartRequest
	canceled  []string
}

func (f *fakeSubstrate) Start(ctx context.Context, req substrate.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return f.startID, f.startErr
}

func (f *fakeSubstrate) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return f.cancelErr
}

func (f *fakeSubstrate) Lookup(ctx context.Context, id string) (substrate.Execution, error) {
	return substrate.Execution{ID: id, State: substrate.StateRunning}, nil
}

type harness struct {
	env     testenv.Env
	d       *dispatch.Dispatcher
	sub     *fakeSubstrate
	streams *stream.Store
	calls   atomic.Int32
}

func newHarness(t *testing.T, handler dispatch.StepHandlerFunc) *harness {
	t.Helper()
	env := testenv.New(t)
	h := &harness{env: env, sub: &fakeSubstrate{startID: "wf_1"}}
	h.streams = stream.NewStore(repo.Repo{DB: env.DB}, redact.New())
	h.streams.PollInterval = 10 * time.Millisecond
	counted := dispatch.StepHandlerFunc(func(ctx context.Context, run domain.Run, req dispatch.StepRequest) error {
		h.calls.Add(1)
		if handler == nil {
			return nil
		}
		return handler(ctx, run, req)
	})
	h.d = dispatch.New(env.Engine, h.sub, h.streams, counted)
	h.d.Signer = queue.NewSigner("test-key", "")
	return h
}

func (h *harness) start(t *testing.T) domain.Run {
	t.Helper()
	run, err := h.d.StartProjectRun(h.env.Ctx, dispatch.StartInput{ProjectID: testenv.ProjectID, Kind: "code", ActorID: testenv.Owner})
	require.NoError(t, err)
	return run
}

func (h *harness) run(t *testing.T, id string) domain.Run {
	t.Helper()
	run, err := h.env.Engine.Repo.GetRun(h.env.Ctx, id)
	require.NoError(t, err)
	return run
}

func TestStartPersistsWorkflowRunID(t *testing.T) {
	h := newHarness(t, nil)
	run := h.start(t)
	require.Equal(t, domain.StatusRunning, run.Status)
	require.NotNil(t, run.WorkflowRunID)
	require.Equal(t, "wf_1", *run.WorkflowRunID)
	require.Len(t, h.sub.started, 1)
	require.Equal(t, []string{"agent"}, h.sub.started[0].Steps)
}

func TestStartFailureMarksRunFailedAndPropagates(t *testing.T) {
	h := newHarness(t, nil)
	transport := errors.New("dial tcp 10.0.0.1:443: connection refused")
	h.sub.startErr = transport

	run, err := h.d.StartProjectRun(h.env.Ctx, dispatch.StartInput{ProjectID: testenv.ProjectID, Kind: "code", ActorID: testenv.Owner})
	require.ErrorIs(t, err, transport)

	stored := h.run(t, run.ID)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Nil(t, stored.WorkflowRunID)
	require.Empty(t, h.sub.canceled)

	finished, err := h.env.Engine.Repo.StreamFinished(h.env.Ctx, run.ID)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestPersistFailureCancelsExecutionAndFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	// an empty handle cannot be attached to the run
	h.sub.startID = ""
	run, err := h.d.StartProjectRun(h.env.Ctx, dispatch.StartInput{ProjectID: testenv.ProjectID, Kind: "code", ActorID: testenv.Owner})
	require.True(t, apperr.Is(err, apperr.BadRequest))
	require.Equal(t, []string{""}, h.sub.canceled)
	require.Equal(t, domain.StatusFailed, h.run(t, run.ID).Status)
}

func TestCancelProceedsDespiteSubstrateError(t *testing.T) {
	h := newHarness(t, nil)
	run := h.start(t)
	h.sub.cancelErr = errors.New("substrate unavailable")

	res, err := h.d.CancelProjectRun(h.env.Ctx, run.ID, testenv.Owner)
	require.NoError(t, err)
	require.True(t, res.Canceled)
	require.Equal(t, []string{"wf_1"}, h.sub.canceled)
	require.Equal(t, domain.StatusCanceled, h.run(t, run.ID).Status)

	again, err := h.d.CancelProjectRun(h.env.Ctx, run.ID, testenv.Owner)
	require.NoError(t, err)
	require.False(t, again.Canceled)
	require.Len(t, h.sub.canceled, 1)
}

func TestCancelWithoutWorkflowRunOnlyCancelsRecord(t *testing.T) {
	h := newHarness(t, nil)
	run := h.env.Run(t, "code")
	res, err := h.d.CancelProjectRun(h.env.Ctx, run.ID, testenv.Owner)
	require.NoError(t, err)
	require.True(t, res.Canceled)
	require.Empty(t, h.sub.canceled)

	_, err = h.d.CancelProjectRun(h.env.Ctx, "run_missing", testenv.Owner)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestExecuteStepIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	run := h.start(t)
	req := dispatch.StepRequest{RunID: run.ID, StepID: "agent"}

	res, err := h.d.ExecuteRunStep(h.env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeExecuted, res.Outcome)
	require.Equal(t, domain.StatusSucceeded, res.RunStatus)

	again, err := h.d.ExecuteRunStep(h.env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeSkipped, again.Outcome)
	require.EqualValues(t, 1, h.calls.Load())
}

func TestRedeliveredFinishedStepIsDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.env.Config
	rk := cfg.Runs.Kinds["code"]
	rk.Steps = []string{"plan", "apply"}
	cfg.Runs.Kinds["code"] = rk
	run := h.start(t)

	first, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "plan"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeExecuted, first.Outcome)
	require.Equal(t, domain.StatusRunning, h.run(t, run.ID).Status)

	dup, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "plan"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeDuplicate, dup.Outcome)

	last, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "apply"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeExecuted, last.Outcome)
	require.Equal(t, domain.StatusSucceeded, h.run(t, run.ID).Status)
	require.EqualValues(t, 2, h.calls.Load())
}

func TestHandlerFailureFailsStepAndRun(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, run domain.Run, req dispatch.StepRequest) error {
		return errors.New("model returned garbage")
	})
	run := h.start(t)
	res, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "agent"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeFailed, res.Outcome)

	stored := h.run(t, run.ID)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Contains(t, stored.Error, "model returned garbage")

	steps, err := h.env.Engine.Repo.ListSteps(h.env.Ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, domain.StatusFailed, steps[0].Status)
	require.NotNil(t, steps[0].EndedAt)
}

func TestStepLeasedElsewhereIsDuplicateUntilExpiry(t *testing.T) {
	h := newHarness(t, nil)
	run := h.start(t)

	// another process started the step and holds its lease
	_, _, err := h.env.Engine.StartStep(h.env.Ctx, run.ID, "agent")
	require.NoError(t, err)
	leased, err := h.env.Engine.ClaimStep(h.env.Ctx, run.ID, "agent", time.Minute)
	require.NoError(t, err)
	require.True(t, leased)

	dup, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "agent"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeDuplicate, dup.Outcome)
	require.EqualValues(t, 0, h.calls.Load())

	// the holder crashed; its lease runs out
	h.d.Engine.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "agent"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeExecuted, res.Outcome)
	require.EqualValues(t, 1, h.calls.Load())
	require.Equal(t, domain.StatusSucceeded, h.run(t, run.ID).Status)
}

func TestHandlerFailureReasonIsRedacted(t *testing.T) {
	const bearer = "abcdefghijklmnop1234"
	const key = "sk-proj-AAAAAAAAAAAAAAAAAAAAAAAA"
	h := newHarness(t, func(ctx context.Context, run domain.Run, req dispatch.StepRequest) error {
		return fmt.Errorf("upstream rejected Authorization: Bearer %s with api_key=%s", bearer, key)
	})
	var logs bytes.Buffer
	h.d.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	h.d.Redactor = redact.New()
	run := h.start(t)

	res, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "agent"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeFailed, res.Outcome)

	stored := h.run(t, run.ID)
	require.Contains(t, stored.Error, "upstream rejected")
	steps, err := h.env.Engine.Repo.ListSteps(h.env.Ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	evts, err := h.env.Engine.Repo.LatestEvents(h.env.Ctx, 50, "", "", "", "")
	require.NoError(t, err)
	require.Contains(t, logs.String(), "step failed")

	texts := []string{stored.Error, steps[0].Error, logs.String()}
	for _, e := range evts {
		texts = append(texts, e.Payload)
	}
	for _, text := range texts {
		require.NotContains(t, text, bearer)
		require.NotContains(t, text, key)
	}
	require.Contains(t, stored.Error, redact.Sentinel)
}

func TestCancelDuringStepCancelsHandlerContext(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, run domain.Run, req dispatch.StepRequest) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	run := h.start(t)

	done := make(chan dispatch.StepResult, 1)
	go func() {
		res, _ := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "agent"})
		done <- res
	}()
	<-entered

	// a concurrent redelivery of the same step is acknowledged, not run
	dup, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: run.ID, StepID: "agent"})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeDuplicate, dup.Outcome)

	_, err = h.d.CancelProjectRun(h.env.Ctx, run.ID, testenv.Owner)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Equal(t, dispatch.OutcomeCanceled, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not canceled")
	}
	require.Equal(t, domain.StatusCanceled, h.run(t, run.ID).Status)
	require.EqualValues(t, 1, h.calls.Load())
}

func TestHandleCallbackVerifiesBeforeParsing(t *testing.T) {
	h := newHarness(t, nil)
	run := h.start(t)
	body := []byte(`{"runId":"` + run.ID + `","stepId":"agent"}`)

	_, err := h.d.HandleCallback(h.env.Ctx, "", "not-a-token", body)
	require.True(t, apperr.Is(err, apperr.Unauthorized))

	forged, err := queue.NewSigner("attacker", "").Sign(body)
	require.NoError(t, err)
	_, err = h.d.HandleCallback(h.env.Ctx, "", forged, body)
	require.True(t, apperr.Is(err, apperr.Unauthorized))
	require.EqualValues(t, 0, h.calls.Load())

	bad := []byte(`{"runId":"` + run.ID + `"}`)
	sig, err := h.d.Signer.Sign(bad)
	require.NoError(t, err)
	_, err = h.d.HandleCallback(h.env.Ctx, "", sig, bad)
	require.True(t, apperr.Is(err, apperr.BadRequest))

	sig, err = h.d.Signer.Sign(body)
	require.NoError(t, err)
	res, err := h.d.HandleCallback(h.env.Ctx, "https://runline.test", sig, body)
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeExecuted, res.Outcome)
}

func TestExecuteUnknownRun(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: "run_missing", StepID: "agent"})
	require.True(t, apperr.Is(err, apperr.NotFound))
	_, err = h.d.ExecuteRunStep(h.env.Ctx, dispatch.StepRequest{RunID: "run_missing"})
	require.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestRunCompletesOnInProcessSubstrate(t *testing.T) {
	h := newHarness(t, nil)
	mem := memsubstrate.New(h.d)
	h.d.Substrate = mem
	run := h.start(t)
	mem.Wait()

	require.Equal(t, domain.StatusSucceeded, h.run(t, run.ID).Status)
	events, err := h.streams.Snapshot(h.env.Ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, stream.KindFinish, last.Kind)
	require.Equal(t, stream.Finish{Status: domain.StatusSucceeded}, last.Event)
}

func TestBestEffortNeverPropagates(t *testing.T) {
	out := dispatch.BestEffort(context.Background(), nil, "test_op", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.False(t, out.OK())
	require.Equal(t, "test_op", out.Op)
	require.True(t, dispatch.BestEffort(context.Background(), nil, "test_op", func(ctx context.Context) error { return nil }).OK())
}
