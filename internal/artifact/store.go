// Package artifact persists versioned step and run output. Versions per
// (project, logical key) start at 1 and grow by one with no gaps.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"runline/internal/apperr"
	"runline/internal/domain"
	"runline/internal/events"
	"runline/internal/logger"
	"runline/internal/metrics"
	"runline/internal/queue"
	"runline/internal/repo"
)

// Store writes artifact versions and hands each new version to the
// indexing queue.
type Store struct {
	DB                *sql.DB
	Repo              repo.Repo
	Events            events.Writer
	Indexer           queue.Publisher
	Codec             string
	CompressThreshold int
	MaxAttempts       int
	Now               func() time.Time
	Logger            *slog.Logger

	pending sync.WaitGroup
}

func NewStore(db *sql.DB, indexer queue.Publisher, codec string, threshold int) *Store {
	return &Store{
		DB:                db,
		Repo:              repo.Repo{DB: db},
		Indexer:           indexer,
		Codec:             codec,
		CompressThreshold: threshold,
		Now:               time.Now,
	}
}

// CreateInput describes one new artifact version.
type CreateInput struct {
	ProjectID  string
	Kind       string
	LogicalKey string
	RunID      string
	ActorID    string
	Content    []byte
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) attempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 5
}

// Create stores the next version for (ProjectID, LogicalKey). The version
// is assigned by the insert itself; a lost race on the unique constraint or
// a busy database is retried.
func (s *Store) Create(ctx context.Context, in CreateInput) (domain.Artifact, error) {
	if strings.TrimSpace(in.ProjectID) == "" || strings.TrimSpace(in.LogicalKey) == "" {
		return domain.Artifact{}, apperr.New(apperr.BadRequest, "project and logical key are required")
	}
	if in.Kind == "" {
		return domain.Artifact{}, apperr.New(apperr.BadRequest, "artifact kind is required")
	}
	encoding, stored, err := encode(s.Codec, s.CompressThreshold, in.Content)
	if err != nil {
		return domain.Artifact{}, err
	}
	a := domain.Artifact{
		ProjectID:   in.ProjectID,
		Kind:        in.Kind,
		LogicalKey:  in.LogicalKey,
		RunID:       in.RunID,
		Encoding:    encoding,
		Content:     stored,
		ContentHash: Hash(in.Content),
		Size:        len(in.Content),
	}
	var lastErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		a.ID = "art_" + uuid.NewString()
		a.CreatedAt = s.now().UTC().Format(time.RFC3339)
		a.Version, lastErr = s.insert(ctx, a, in.ActorID)
		if lastErr == nil {
			break
		}
		if !repo.IsUniqueViolation(lastErr) && !repo.IsBusy(lastErr) {
			return domain.Artifact{}, lastErr
		}
		select {
		case <-ctx.Done():
			return domain.Artifact{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	if lastErr != nil {
		return domain.Artifact{}, apperr.Wrap(apperr.Conflict, lastErr, "artifact version contention")
	}
	metrics.ArtifactsCreated.WithLabelValues(a.Kind).Inc()
	s.enqueueIndex(ctx, a)
	a.Content = in.Content
	return a, nil
}

// Ensure is Create for step replays: when the run already stored this exact
// content under the key, that version is returned instead of a new one.
func (s *Store) Ensure(ctx context.Context, in CreateInput) (domain.Artifact, error) {
	if in.RunID != "" {
		existing, err := s.Repo.FindRunArtifact(ctx, in.ProjectID, in.LogicalKey, in.RunID, Hash(in.Content))
		if err == nil {
			existing.Content = in.Content
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, err
		}
	}
	return s.Create(ctx, in)
}

func (s *Store) insert(ctx context.Context, a domain.Artifact, actorID string) (int, error) {
	if _, err := s.Repo.GetProject(ctx, a.ProjectID); err != nil {
		return 0, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	version, err := s.Repo.InsertNextArtifactVersion(ctx, tx, a)
	if err != nil {
		return 0, err
	}
	if err := s.Events.Append(ctx, tx, events.Event{
		Type: "artifact.created", ProjectID: a.ProjectID, EntityKind: "artifact", EntityID: a.ID, ActorID: actorID,
		Payload: events.EventPayload{"logical_key": a.LogicalKey, "version": version, "kind": a.Kind, "run_id": a.RunID},
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// enqueueIndex hands the job to the indexer without blocking the caller.
// Failures are logged; indexers are idempotent on (artifact, version) so a
// later re-enqueue is safe.
func (s *Store) enqueueIndex(ctx context.Context, a domain.Artifact) {
	if s.Indexer == nil {
		return
	}
	job := queue.IndexJob{
		ArtifactID:  a.ID,
		ProjectID:   a.ProjectID,
		Kind:        a.Kind,
		LogicalKey:  a.LogicalKey,
		Version:     a.Version,
		ContentHash: a.ContentHash,
		RunID:       a.RunID,
	}
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.Indexer.Publish(ctx, job); err != nil {
			metrics.BestEffortFailures.WithLabelValues("artifact_index").Inc()
			logger.Or(s.Logger).Warn("enqueue artifact index failed", "artifact_id", job.ArtifactID, "version", job.Version, "err", err)
		}
	}()
}

// Wait blocks until in-flight index handoffs finish.
func (s *Store) Wait() {
	s.pending.Wait()
}

// Get returns a version (latest when version <= 0) with decoded content.
func (s *Store) Get(ctx context.Context, projectID, logicalKey string, version int) (domain.Artifact, error) {
	a, err := s.Repo.GetArtifact(ctx, projectID, logicalKey, version)
	if err != nil {
		return a, err
	}
	content, err := decode(a.Encoding, a.Content, a.Size)
	if err != nil {
		return a, fmt.Errorf("artifact %s@%d: %w", logicalKey, a.Version, err)
	}
	a.Content = content
	return a, nil
}

// List returns artifact metadata without content.
func (s *Store) List(ctx context.Context, projectID, logicalKey string) ([]domain.Artifact, error) {
	if _, err := s.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.Repo.ListArtifacts(ctx, projectID, logicalKey)
}
