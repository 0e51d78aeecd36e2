package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/misty-step/gitpulse-sub000/internal/errors"
	"github.com/misty-step/gitpulse-sub000/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local development.
// All methods copy on the way in and out so callers never share state with
// the store.
type MemoryStore struct {
	mu            sync.RWMutex
	installations map[int64]*models.Installation
	batches       map[string]*models.SyncBatch
	jobs          map[string]*models.IngestionJob
	actors        map[int64]*models.Actor
	repos         map[int64]*models.Repo
	events        map[string]*models.CanonicalEvent
	envelopes     map[string]*models.WebhookEnvelope
	embeddings    map[string]int64
	nextEventID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		installations: make(map[int64]*models.Installation),
		batches:       make(map[string]*models.SyncBatch),
		jobs:          make(map[string]*models.IngestionJob),
		actors:        make(map[int64]*models.Actor),
		repos:         make(map[int64]*models.Repo),
		events:        make(map[string]*models.CanonicalEvent),
		envelopes:     make(map[string]*models.WebhookEnvelope),
		embeddings:    make(map[string]int64),
	}
}

func copyInstallation(inst *models.Installation) *models.Installation {
	cp := *inst
	cp.Repositories = append([]string(nil), inst.Repositories...)
	return &cp
}

func (s *MemoryStore) GetInstallation(ctx context.Context, id int64) (*models.Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.installations[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("installation not found: %d", id), nil)
	}
	return copyInstallation(inst), nil
}

func (s *MemoryStore) SaveInstallation(ctx context.Context, inst *models.Installation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installations[inst.ID] = copyInstallation(inst)
	return nil
}

func (s *MemoryStore) UpdateInstallationStatus(ctx context.Context, id int64, status models.InstallationSyncStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[id]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("installation not found: %d", id), nil)
	}
	inst.SyncStatus = status
	inst.LastSyncError = lastError
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkInstallationSynced(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[id]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("installation not found: %d", id), nil)
	}
	t := at
	inst.LastSyncedAt = &t
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkManualSync(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[id]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("installation not found: %d", id), nil)
	}
	t := at
	inst.LastManualSyncAt = &t
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateInstallationRateLimit(ctx context.Context, id int64, remaining int, reset *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[id]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("installation not found: %d", id), nil)
	}
	inst.RateLimitRemaining = remaining
	inst.RateLimitReset = reset
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) InsertSyncBatch(ctx context.Context, batch *models.SyncBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("sync batch already exists: %s", batch.ID)
	}
	cp := *batch
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.batches[batch.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSyncBatch(ctx context.Context, id string) (*models.SyncBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("sync batch not found: %s", id), nil)
	}
	cp := *batch
	return &cp, nil
}

func (s *MemoryStore) ListRunningBatches(ctx context.Context) ([]*models.SyncBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var batches []*models.SyncBatch
	for _, b := range s.batches {
		if b.Status == models.BatchRunning {
			cp := *b
			batches = append(batches, &cp)
		}
	}
	return batches, nil
}

func (s *MemoryStore) GetRunningBatchForInstallation(ctx context.Context, installationID int64) (*models.SyncBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if b.InstallationID == installationID && b.Status == models.BatchRunning {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FinalizeSyncBatch(ctx context.Context, id string, status models.BatchStatus, completed, failed, events int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return false, apperrors.NewNotFoundError(fmt.Sprintf("sync batch not found: %s", id), nil)
	}
	if batch.Status != models.BatchRunning {
		return false, nil
	}
	batch.Status = status
	batch.CompletedRepos = completed
	batch.FailedRepos = failed
	batch.EventsIngested = events
	t := at
	batch.FinalizedAt = &t
	return true, nil
}

func (s *MemoryStore) InsertIngestionJobs(ctx context.Context, jobs []*models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			return fmt.Errorf("ingestion job already exists: %s", job.ID)
		}
		cp := *job
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		s.jobs[job.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) GetIngestionJob(ctx context.Context, id string) (*models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("ingestion job not found: %s", id), nil)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListBatchJobs(ctx context.Context, batchID string) ([]*models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*models.IngestionJob
	for _, j := range s.jobs {
		if j.BatchID == batchID {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) UpdateIngestionJob(ctx context.Context, job *models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("ingestion job not found: %s", job.ID), nil)
	}
	cp := *job
	cp.UpdatedAt = time.Now()
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) UpsertActor(ctx context.Context, actor *models.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *actor
	s.actors[actor.SourceID] = &cp
	return nil
}

func (s *MemoryStore) UpsertRepo(ctx context.Context, repo *models.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *repo
	s.repos[repo.SourceID] = &cp
	return nil
}

func (s *MemoryStore) GetEventByContentHash(ctx context.Context, hash string) (*models.CanonicalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[hash]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) InsertEvent(ctx context.Context, ev *models.CanonicalEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ContentHash]; exists {
		return 0, fmt.Errorf("event already exists for content hash %s", ev.ContentHash)
	}
	s.nextEventID++
	cp := *ev
	cp.ID = s.nextEventID
	cp.CreatedAt = time.Now()
	s.events[ev.ContentHash] = &cp
	return cp.ID, nil
}

// EventCount reports the number of stored events. Test helper.
func (s *MemoryStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) GetEnvelope(ctx context.Context, id string) (*models.WebhookEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("webhook envelope not found: %s", id), nil)
	}
	cp := *env
	return &cp, nil
}

func (s *MemoryStore) GetEnvelopeByDeliveryID(ctx context.Context, deliveryID string) (*models.WebhookEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, env := range s.envelopes {
		if env.DeliveryID == deliveryID {
			cp := *env
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertEnvelope(ctx context.Context, env *models.WebhookEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.envelopes {
		if existing.DeliveryID == env.DeliveryID {
			return fmt.Errorf("webhook envelope already exists for delivery %s", env.DeliveryID)
		}
	}
	cp := *env
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.envelopes[env.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateEnvelope(ctx context.Context, env *models.WebhookEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envelopes[env.ID]; !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("webhook envelope not found: %s", env.ID), nil)
	}
	cp := *env
	cp.UpdatedAt = time.Now()
	s.envelopes[env.ID] = &cp
	return nil
}

func (s *MemoryStore) ListFailedEnvelopes(ctx context.Context, maxRetries int) ([]*models.WebhookEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var envs []*models.WebhookEnvelope
	for _, env := range s.envelopes {
		if env.Status == models.EnvelopeFailed && env.RetryCount < maxRetries {
			cp := *env
			envs = append(envs, &cp)
		}
	}
	return envs, nil
}

func (s *MemoryStore) EnqueueEmbeddingJob(ctx context.Context, contentHash string, eventID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.embeddings[contentHash]; exists {
		return false, nil
	}
	s.embeddings[contentHash] = eventID
	return true, nil
}

// EmbeddingJobCount reports the number of queued embedding jobs. Test helper.
func (s *MemoryStore) EmbeddingJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.embeddings)
}
