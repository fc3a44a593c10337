package memsubstrate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runline/internal/apperr"
	"runline/internal/queue"
	"runline/internal/substrate"
	"runline/internal/substrate/memsubstrate"
)

type submitter struct {
	mu    sync.Mutex
	calls []queue.StepCallback
	fn    func(ctx context.Context, n int, cb queue.StepCallback) error
}

func (s *submitter) Deliver(ctx context.Context, cb queue.StepCallback) error {
	s.mu.Lock()
	s.calls = append(s.calls, cb)
	n := len(s.calls)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, n, cb)
	}
	return nil
}

func (s *submitter) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		out = append(out, c.StepID)
	}
	return out
}

func TestExecutionDeliversStepsInOrder(t *testing.T) {
	sub := &submitter{}
	s := memsubstrate.New(sub)
	id, err := s.Start(context.Background(), substrate.StartRequest{RunID: "run_1", Steps: []string{"a", "b", "c"}})
	require.NoError(t, err)
	s.Wait()
	require.Equal(t, []string{"a", "b", "c"}, sub.steps())

	e, err := s.Lookup(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, substrate.StateCompleted, e.State)
	require.False(t, e.Live())
}

func TestRetryableFailuresAreRedelivered(t *testing.T) {
	sub := &submitter{fn: func(ctx context.Context, n int, cb queue.StepCallback) error {
		if n == 1 {
			return apperr.New(apperr.BadGateway, "flaky")
		}
		return nil
	}}
	s := memsubstrate.New(sub)
	s.Backoff = time.Millisecond
	_, err := s.Start(context.Background(), substrate.StartRequest{RunID: "run_1", Steps: []string{"a"}})
	require.NoError(t, err)
	s.Wait()
	require.Equal(t, []string{"a", "a"}, sub.steps())
}

func TestTerminalFailureStopsExecution(t *testing.T) {
	sub := &submitter{fn: func(ctx context.Context, n int, cb queue.StepCallback) error {
		return apperr.New(apperr.BadRequest, "malformed")
	}}
	s := memsubstrate.New(sub)
	id, err := s.Start(context.Background(), substrate.StartRequest{RunID: "run_1", Steps: []string{"a", "b"}})
	require.NoError(t, err)
	s.Wait()
	require.Equal(t, []string{"a"}, sub.steps())
	e, err := s.Lookup(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, substrate.StateFailed, e.State)
}

func TestCancelStopsInFlightStep(t *testing.T) {
	started := make(chan struct{})
	sub := &submitter{fn: func(ctx context.Context, n int, cb queue.StepCallback) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	s := memsubstrate.New(sub)
	id, err := s.Start(context.Background(), substrate.StartRequest{RunID: "run_1", Steps: []string{"a", "b"}})
	require.NoError(t, err)
	<-started
	require.NoError(t, s.Cancel(context.Background(), id))
	s.Wait()

	e, err := s.Lookup(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, substrate.StateCanceled, e.State)
	require.Equal(t, []string{"a"}, sub.steps())
}

func TestUnknownExecution(t *testing.T) {
	s := memsubstrate.New(&submitter{})
	_, err := s.Lookup(context.Background(), "wf_missing")
	require.True(t, apperr.Is(err, apperr.NotFound))
	require.True(t, apperr.Is(s.Cancel(context.Background(), "wf_missing"), apperr.NotFound))
}
