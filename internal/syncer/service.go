package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/policy"
	"github.com/misty-step/gitpulse-sub000/internal/scheduler"
	"github.com/misty-step/gitpulse-sub000/internal/store"
)

// StartResult is the outcome of a sync request: the policy decision, plus
// the created batch and job ids when the decision was to start.
type StartResult struct {
	Decision policy.Decision   `json:"decision"`
	Batch    *models.SyncBatch `json:"batch,omitempty"`
	JobIDs   []string          `json:"job_ids,omitempty"`
}

// Service is the sync admission path: it ties the policy engine to batch
// creation and job scheduling.
type Service struct {
	store   store.Store
	policy  *policy.Engine
	batches *BatchService
	sched   scheduler.Scheduler
	logger  *logrus.Logger
}

// NewService creates a sync service.
func NewService(st store.Store, engine *policy.Engine, batches *BatchService, sched scheduler.Scheduler, logger *logrus.Logger) *Service {
	return &Service{store: st, policy: engine, batches: batches, sched: sched, logger: logger}
}

// StartSync evaluates policy for the installation and, when admitted,
// creates a batch with one job per configured repository and schedules every
// job immediately. Non-manual triggers additionally refuse to start while a
// batch is already running for the installation; the check and the insert
// are not atomic, so two racing non-manual triggers can still both pass.
func (s *Service) StartSync(ctx context.Context, installationID int64, trigger models.SyncTrigger) (*StartResult, error) {
	inst, err := s.store.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load installation: %w", err)
	}

	now := time.Now().UTC()
	decision := s.policy.Evaluate(inst, trigger, now)

	logger := s.logger.WithFields(logrus.Fields{
		"installation_id": installationID,
		"trigger":         trigger,
		"action":          decision.Action,
		"reason":          decision.Reason,
	})

	if decision.Action != policy.ActionStart {
		logger.Info("Sync request not admitted")
		return &StartResult{Decision: decision}, nil
	}

	if trigger != models.TriggerManual {
		active, err := s.store.GetRunningBatchForInstallation(ctx, installationID)
		if err != nil {
			return nil, fmt.Errorf("failed to check for active batch: %w", err)
		}
		if active != nil {
			logger.WithField("active_batch_id", active.ID).Info("Sync request skipped, batch already running")
			return &StartResult{
				Decision: policy.Decision{Action: policy.ActionSkip, Reason: policy.ReasonAlreadySyncing},
			}, nil
		}
	}

	since := s.policy.CalculateSyncSince(inst.LastSyncedAt, now)
	batch, jobs, err := s.batches.Create(ctx, installationID, trigger, inst.Repositories, since, now)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateInstallationStatus(ctx, installationID, models.SyncStatusSyncing, ""); err != nil {
		return nil, fmt.Errorf("failed to mark installation syncing: %w", err)
	}
	if trigger == models.TriggerManual {
		if err := s.store.MarkManualSync(ctx, installationID, now); err != nil {
			return nil, fmt.Errorf("failed to record manual sync time: %w", err)
		}
	}

	jobIDs := make([]string, 0, len(jobs))
	for _, job := range jobs {
		jobIDs = append(jobIDs, job.ID)
		s.sched.ScheduleAfter(0, scheduler.TaskJobRun, map[string]string{"job_id": job.ID})
	}

	logger.WithFields(logrus.Fields{
		"batch_id":   batch.ID,
		"sync_since": since,
		"job_count":  len(jobIDs),
	}).Info("Sync started")

	return &StartResult{Decision: decision, Batch: batch, JobIDs: jobIDs}, nil
}
