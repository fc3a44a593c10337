package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"runline/internal/apperr"
	"runline/internal/redact"
	"runline/internal/repo"
)

// Store persists stream events and wakes readers waiting on a run.
// Readers in other processes fall back to polling.
type Store struct {
	Repo         repo.Repo
	Redactor     *redact.Redactor
	Now          func() time.Time
	PollInterval time.Duration
	BatchSize    int

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func NewStore(r repo.Repo, red *redact.Redactor) *Store {
	return &Store{Repo: r, Redactor: red, waiters: map[string]chan struct{}{}}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append redacts e and stores it at the next index.
func (s *Store) Append(ctx context.Context, runID string, e Event) (int64, error) {
	kind, payload, err := Encode(s.redact(e))
	if err != nil {
		return 0, err
	}
	seq, err := s.Repo.AppendStreamEvent(ctx, nil, runID, string(kind), string(payload), s.now().UTC().Format(time.RFC3339Nano))
	if errors.Is(err, repo.ErrStreamFinished) {
		return 0, apperr.New(apperr.Conflict, "stream for run %s is finished", runID)
	}
	if err != nil {
		return 0, fmt.Errorf("append stream event: %w", err)
	}
	s.wake(runID)
	return seq, nil
}

// Close writes the finish marker once. Later calls are no-ops.
func (s *Store) Close(ctx context.Context, runID, status string) error {
	_, err := s.Append(ctx, runID, Finish{Status: status})
	if apperr.Is(err, apperr.Conflict) {
		return nil
	}
	return err
}

func (s *Store) redact(e Event) Event {
	if s.Redactor == nil {
		return e
	}
	switch v := e.(type) {
	case Log:
		v.Text = s.Redactor.Text(v.Text)
		return v
	case AssistantDelta:
		v.Text = s.Redactor.Text(v.Text)
		return v
	case ToolCall:
		v.Args = s.Redactor.Value(v.Args)
		return v
	case ToolResult:
		v.Output = s.Redactor.Value(v.Output)
		return v
	case Status:
		v.Message = s.Redactor.Text(v.Message)
		return v
	case Exit, Finish:
		return v
	}
	return e
}

// ValidateIndex rejects negative offsets.
func ValidateIndex(from int64) error {
	if from < 0 {
		return apperr.New(apperr.BadRequest, "startIndex must be a non-negative integer")
	}
	return nil
}

// Snapshot returns up to limit stored events at or after from.
func (s *Store) Snapshot(ctx context.Context, runID string, from int64, limit int) ([]Envelope, error) {
	if err := ValidateIndex(from); err != nil {
		return nil, err
	}
	rows, err := s.Repo.ListStreamEvents(ctx, runID, from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(rows))
	for _, row := range rows {
		e, err := Decode(Kind(row.Kind), []byte(row.Payload))
		if err != nil {
			return nil, err
		}
		out = append(out, Envelope{Index: row.Seq, Kind: Kind(row.Kind), Event: e, CreatedAt: row.CreatedAt})
	}
	return out, nil
}

// Read delivers events from index from onward, in order, until the finish
// marker has been delivered, fn fails or ctx ends.
func (s *Store) Read(ctx context.Context, runID string, from int64, fn func(Envelope) error) error {
	if err := ValidateIndex(from); err != nil {
		return err
	}
	poll := s.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 200
	}
	next := from
	for {
		wait := s.waiter(runID)
		events, err := s.Snapshot(ctx, runID, next, batch)
		if err != nil {
			return err
		}
		for _, env := range events {
			if err := fn(env); err != nil {
				return err
			}
			next = env.Index + 1
			if env.Kind == KindFinish {
				return nil
			}
		}
		if len(events) == batch {
			continue
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wait:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Store) waiter(runID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters == nil {
		s.waiters = map[string]chan struct{}{}
	}
	ch, ok := s.waiters[runID]
	if !ok {
		ch = make(chan struct{})
		s.waiters[runID] = ch
	}
	return ch
}

func (s *Store) wake(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[runID]; ok {
		close(ch)
		delete(s.waiters, runID)
	}
}
