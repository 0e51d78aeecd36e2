package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/scheduler"
	"github.com/misty-step/gitpulse-sub000/internal/store"
)

// BatchService creates sync batches and owns their finalization. Counters on
// a batch are always recomputed from the job rows; nothing increments them
// in place, so concurrent job completions cannot lose updates.
type BatchService struct {
	store  store.Store
	sched  scheduler.Scheduler
	logger *logrus.Logger
}

// NewBatchService creates a batch service.
func NewBatchService(st store.Store, sched scheduler.Scheduler, logger *logrus.Logger) *BatchService {
	return &BatchService{store: st, sched: sched, logger: logger}
}

// Create inserts one running batch plus one pending job per repository.
// Jobs are independent of each other; nothing in a batch chains them.
func (s *BatchService) Create(ctx context.Context, installationID int64, trigger models.SyncTrigger, repos []string, since, until time.Time) (*models.SyncBatch, []*models.IngestionJob, error) {
	batch := &models.SyncBatch{
		ID:             uuid.NewString(),
		InstallationID: installationID,
		Trigger:        trigger,
		Status:         models.BatchRunning,
		TotalRepos:     len(repos),
		SyncSince:      since,
		SyncUntil:      until,
	}
	if err := s.store.InsertSyncBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("failed to insert sync batch: %w", err)
	}

	jobs := make([]*models.IngestionJob, 0, len(repos))
	for _, repo := range repos {
		jobs = append(jobs, &models.IngestionJob{
			ID:             uuid.NewString(),
			BatchID:        batch.ID,
			InstallationID: installationID,
			RepoFullName:   repo,
			Status:         models.JobPending,
			SyncSince:      since,
		})
	}
	if err := s.store.InsertIngestionJobs(ctx, jobs); err != nil {
		return nil, nil, fmt.Errorf("failed to insert ingestion jobs: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"batch_id":        batch.ID,
		"installation_id": installationID,
		"trigger":         trigger,
		"total_repos":     len(repos),
	}).Info("Created sync batch")

	return batch, jobs, nil
}

// MaybeFinalize recomputes the batch counters from its job rows and writes a
// terminal status once every job is terminal. It is safe to call redundantly
// from any path: the terminal write is guarded on the batch still being
// running, and only the caller whose write lands runs the finalize side
// effects (installation update, downstream report trigger).
func (s *BatchService) MaybeFinalize(ctx context.Context, batchID string) (*models.SyncBatch, error) {
	batch, err := s.store.GetSyncBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.Terminal() {
		return batch, nil
	}

	jobs, err := s.store.ListBatchJobs(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}

	var completed, failed, events int
	for _, job := range jobs {
		switch job.Status {
		case models.JobCompleted:
			completed++
			events += job.EventsIngested
		case models.JobFailed:
			failed++
		}
	}
	if completed+failed < batch.TotalRepos {
		return batch, nil
	}

	status := models.BatchCompleted
	if completed == 0 {
		status = models.BatchFailed
	}

	now := time.Now().UTC()
	won, err := s.store.FinalizeSyncBatch(ctx, batchID, status, completed, failed, events, now)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}
	if won {
		s.afterFinalize(ctx, batch, status, events, now)
	}

	final, err := s.store.GetSyncBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload batch: %w", err)
	}
	return final, nil
}

// afterFinalize runs exactly once per batch, in whichever caller won the
// conditional terminal write.
func (s *BatchService) afterFinalize(ctx context.Context, batch *models.SyncBatch, status models.BatchStatus, events int, now time.Time) {
	logger := s.logger.WithFields(logrus.Fields{
		"batch_id":        batch.ID,
		"installation_id": batch.InstallationID,
		"status":          status,
		"events_ingested": events,
	})

	if status == models.BatchFailed {
		if err := s.store.UpdateInstallationStatus(ctx, batch.InstallationID, models.SyncStatusError, "all repository jobs failed"); err != nil {
			logger.WithError(err).Error("Failed to update installation after failed batch")
		}
		logger.Warn("Sync batch failed")
		return
	}

	if err := s.store.UpdateInstallationStatus(ctx, batch.InstallationID, models.SyncStatusIdle, ""); err != nil {
		logger.WithError(err).Error("Failed to update installation status after batch")
	}
	if err := s.store.MarkInstallationSynced(ctx, batch.InstallationID, now); err != nil {
		logger.WithError(err).Error("Failed to mark installation synced")
	}

	// Zero new events is still a successful sync; the report trigger fires
	// on batch completion, not on ingestion volume.
	s.sched.ScheduleAfter(0, scheduler.TaskReportGenerate, map[string]string{
		"batch_id":        batch.ID,
		"installation_id": strconv.FormatInt(batch.InstallationID, 10),
	})
	logger.Info("Sync batch completed")
}

// FinalizeCompleteBatches sweeps every running batch through MaybeFinalize.
// Safety net for batches whose lazy on-read finalize never fired.
func (s *BatchService) FinalizeCompleteBatches(ctx context.Context) error {
	batches, err := s.store.ListRunningBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running batches: %w", err)
	}
	for _, batch := range batches {
		if _, err := s.MaybeFinalize(ctx, batch.ID); err != nil {
			s.logger.WithError(err).WithField("batch_id", batch.ID).Error("Failed to finalize batch during sweep")
		}
	}
	return nil
}
