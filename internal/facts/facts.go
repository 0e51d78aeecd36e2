package facts

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/misty-step/gitpulse-sub000/internal/canonical"
	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/store"
)

// Status is the outcome of persisting one canonical event.
type Status string

const (
	StatusInserted  Status = "inserted"
	StatusDuplicate Status = "duplicate"
	StatusSkipped   Status = "skipped"
)

// Result reports what Persist did with an event.
type Result struct {
	Status  Status `json:"status"`
	EventID int64  `json:"event_id,omitempty"`
}

// Service is the idempotent persistence layer: dimension upserts, content-
// hash dedup, and embedding enqueue. Re-persisting the same logical event is
// always safe.
type Service struct {
	store  store.Store
	logger *logrus.Logger
}

// NewService creates a fact service.
func NewService(st store.Store, logger *logrus.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Persist upserts dimensions and inserts the event unless its content hash
// already exists. Missing repo context yields a skip with no writes at all.
// A duplicate returns the existing event id and does not re-enqueue
// embedding work.
func (s *Service) Persist(ctx context.Context, ev *models.CanonicalEvent) (Result, error) {
	if ev == nil || ev.RepoFullName == "" || ev.RepoSourceID == 0 {
		return Result{Status: StatusSkipped}, nil
	}

	if ev.ActorSourceID > 0 {
		actor := &models.Actor{SourceID: ev.ActorSourceID, Login: ev.ActorLogin}
		if err := s.store.UpsertActor(ctx, actor); err != nil {
			return Result{}, fmt.Errorf("failed to upsert actor: %w", err)
		}
	}

	repo := &models.Repo{SourceID: ev.RepoSourceID, FullName: ev.RepoFullName}
	if err := s.store.UpsertRepo(ctx, repo); err != nil {
		return Result{}, fmt.Errorf("failed to upsert repo: %w", err)
	}

	if ev.ContentHash == "" {
		hash, err := canonical.HashEvent(ev)
		if err != nil {
			return Result{}, fmt.Errorf("failed to hash event: %w", err)
		}
		ev.ContentHash = hash
	}

	existing, err := s.store.GetEventByContentHash(ctx, ev.ContentHash)
	if err != nil {
		return Result{}, fmt.Errorf("failed to look up event by content hash: %w", err)
	}
	if existing != nil {
		return Result{Status: StatusDuplicate, EventID: existing.ID}, nil
	}

	id, err := s.store.InsertEvent(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("failed to insert event: %w", err)
	}

	enqueued, err := s.store.EnqueueEmbeddingJob(ctx, ev.ContentHash, id)
	if err != nil {
		return Result{}, fmt.Errorf("failed to enqueue embedding job: %w", err)
	}
	if !enqueued {
		s.logger.WithFields(logrus.Fields{
			"content_hash": ev.ContentHash,
			"event_id":     id,
		}).Debug("Embedding job already queued for content hash")
	}

	return Result{Status: StatusInserted, EventID: id}, nil
}
