package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/misty-step/gitpulse-sub000/internal/canonical"
	"github.com/misty-step/gitpulse-sub000/internal/config"
	apperrors "github.com/misty-step/gitpulse-sub000/internal/errors"
	"github.com/misty-step/gitpulse-sub000/internal/facts"
	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/scheduler"
	"github.com/misty-step/gitpulse-sub000/internal/source"
	"github.com/misty-step/gitpulse-sub000/internal/store"
)

// SourceClient is the slice of the source API the job runner uses.
type SourceClient interface {
	GetRepository(ctx context.Context, token, repoFullName string) (*models.SourceRepo, error)
	FetchTimelinePage(ctx context.Context, token, repoFullName string, since time.Time, cursor, etag string) (*models.PageResult, error)
	ListCommitsSince(ctx context.Context, token, repoFullName string, since time.Time, page int) ([]models.CommitListItem, models.RateLimitInfo, error)
	ShouldPause(remaining int) bool
}

// TokenSource yields an API token for an installation.
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (string, error)
}

// JobRunner drives the per-repository ingestion state machine. Every public
// entry point is safe to re-invoke on the same job id: terminal jobs
// short-circuit, and the persisted cursor/etag make resumption cheap.
type JobRunner struct {
	store   store.Store
	client  SourceClient
	tokens  TokenSource
	facts   *facts.Service
	batches *BatchService
	sched   scheduler.Scheduler
	cfg     *config.SyncConfig
	logger  *logrus.Logger
}

// NewJobRunner creates a job runner.
func NewJobRunner(st store.Store, client SourceClient, tokens TokenSource, factSvc *facts.Service, batches *BatchService, sched scheduler.Scheduler, cfg *config.SyncConfig, logger *logrus.Logger) *JobRunner {
	return &JobRunner{
		store:   st,
		client:  client,
		tokens:  tokens,
		facts:   factSvc,
		batches: batches,
		sched:   sched,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run executes one drive of the job: resume from the persisted cursor, fetch
// pages until exhausted or paused, and finalize. Returning nil means the job
// reached a persisted state (completed, failed or blocked); an error means
// the drive itself could not make progress and may be re-invoked.
func (r *JobRunner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetIngestionJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	logger := r.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"batch_id": job.BatchID,
		"repo":     job.RepoFullName,
	})

	if job.Terminal() {
		logger.WithField("status", job.Status).Debug("Job already terminal, skipping")
		return nil
	}

	inst, err := r.store.GetInstallation(ctx, job.InstallationID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return r.failJob(ctx, job, "installation not found")
		}
		return fmt.Errorf("failed to load installation: %w", err)
	}

	job.Status = models.JobRunning
	job.BlockedUntil = nil
	if err := r.store.UpdateIngestionJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	token, err := r.tokens.Token(ctx, inst.ID)
	if err != nil {
		return r.failJob(ctx, job, fmt.Sprintf("token mint failed: %v", err))
	}

	repoMeta, err := r.client.GetRepository(ctx, token, job.RepoFullName)
	if err != nil {
		var rlErr *source.RateLimitError
		if errors.As(err, &rlErr) {
			return r.blockJob(ctx, job, rlErr.Remaining, resetPtr(rlErr.ResetTime), logger)
		}
		return r.failJob(ctx, job, fmt.Sprintf("repository metadata fetch failed: %v", err))
	}

	if err := r.runPages(ctx, job, inst, repoMeta, token, logger); err != nil {
		return r.failJob(ctx, job, err.Error())
	}
	if job.Status == models.JobBlocked {
		return nil
	}

	if err := r.runCommitPass(ctx, job, repoMeta, token, logger); err != nil {
		return r.failJob(ctx, job, err.Error())
	}
	if job.Status == models.JobBlocked {
		return nil
	}

	job.Status = models.JobCompleted
	job.Progress = 100
	job.LastError = ""
	if err := r.store.UpdateIngestionJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	logger.WithField("events_ingested", job.EventsIngested).Info("Ingestion job completed")

	if _, err := r.batches.MaybeFinalize(ctx, job.BatchID); err != nil {
		logger.WithError(err).Error("Failed to finalize batch after job completion")
	}
	return nil
}

// runPages walks the timeline pages from the persisted cursor. Each page is
// fully persisted (events, cursor, etag, progress) before the next fetch, so
// a crash mid-job resumes at a page boundary.
func (r *JobRunner) runPages(ctx context.Context, job *models.IngestionJob, inst *models.Installation, repoMeta *models.SourceRepo, token string, logger *logrus.Entry) error {
	for {
		page, err := r.client.FetchTimelinePage(ctx, token, job.RepoFullName, job.SyncSince, job.Cursor, job.ETag)
		if err != nil {
			return fmt.Errorf("timeline page fetch failed: %w", err)
		}
		if page.NotModified {
			logger.Debug("Timeline unchanged since last sync")
			return nil
		}

		for _, node := range page.Nodes {
			ev, err := canonical.Canonicalize(canonical.Input{
				Kind:     canonical.KindTimeline,
				Timeline: &canonical.TimelineInput{Node: node, Repo: repoMeta},
			})
			if err != nil {
				logger.WithError(err).WithField("node_id", node.SourceID).Warn("Skipping uncanonicalizable timeline node")
				continue
			}
			if ev == nil {
				continue
			}
			res, err := r.facts.Persist(ctx, ev)
			if err != nil {
				return fmt.Errorf("event persist failed: %w", err)
			}
			if res.Status == facts.StatusInserted {
				job.EventsIngested++
			}
		}

		job.Cursor = page.Cursor
		job.ETag = page.ETag
		job.RateLimit = models.RateLimitSnapshot{Remaining: page.RateLimit.Remaining, Reset: page.RateLimit.Reset}
		if job.Progress < 90 {
			job.Progress += 10
		}
		if err := r.store.UpdateIngestionJob(ctx, job); err != nil {
			return fmt.Errorf("failed to persist job progress: %w", err)
		}
		if page.RateLimit.Remaining >= 0 {
			if err := r.store.UpdateInstallationRateLimit(ctx, inst.ID, page.RateLimit.Remaining, page.RateLimit.Reset); err != nil {
				logger.WithError(err).Warn("Failed to record installation rate limit")
			}
		}

		if r.client.ShouldPause(page.RateLimit.Remaining) {
			return r.blockJob(ctx, job, page.RateLimit.Remaining, page.RateLimit.Reset, logger)
		}
		if !page.HasNextPage {
			return nil
		}
	}
}

// runCommitPass backfills direct commits that never surface on the timeline
// listing. Single page; the content hash absorbs overlap with push webhooks.
func (r *JobRunner) runCommitPass(ctx context.Context, job *models.IngestionJob, repoMeta *models.SourceRepo, token string, logger *logrus.Entry) error {
	items, rl, err := r.client.ListCommitsSince(ctx, token, job.RepoFullName, job.SyncSince, 1)
	if err != nil {
		var rlErr *source.RateLimitError
		if errors.As(err, &rlErr) {
			return r.blockJob(ctx, job, rlErr.Remaining, resetPtr(rlErr.ResetTime), logger)
		}
		return fmt.Errorf("commit listing failed: %w", err)
	}

	for _, item := range items {
		ev, err := canonical.Canonicalize(canonical.Input{
			Kind:   canonical.KindCommit,
			Commit: &canonical.CommitInput{Item: item, Repo: repoMeta},
		})
		if err != nil {
			logger.WithError(err).Warn("Skipping uncanonicalizable commit")
			continue
		}
		if ev == nil {
			continue
		}
		res, err := r.facts.Persist(ctx, ev)
		if err != nil {
			return fmt.Errorf("commit persist failed: %w", err)
		}
		if res.Status == facts.StatusInserted {
			job.EventsIngested++
		}
	}

	if rl.Remaining >= 0 {
		job.RateLimit = models.RateLimitSnapshot{Remaining: rl.Remaining, Reset: rl.Reset}
	}
	if err := r.store.UpdateIngestionJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job after commit pass: %w", err)
	}
	return nil
}

// blockJob suspends the job until the rate limit resets and schedules its
// own resumption. The cursor/etag written by the page loop make the resume
// continue where this drive stopped.
func (r *JobRunner) blockJob(ctx context.Context, job *models.IngestionJob, remaining int, reset *time.Time, logger *logrus.Entry) error {
	until := time.Now().Add(r.cfg.DefaultBlockDelay)
	if reset != nil && reset.After(time.Now()) {
		until = *reset
	}

	job.Status = models.JobBlocked
	job.BlockedUntil = &until
	job.RateLimit = models.RateLimitSnapshot{Remaining: remaining, Reset: reset}
	if err := r.store.UpdateIngestionJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist blocked job: %w", err)
	}
	if err := r.store.UpdateInstallationStatus(ctx, job.InstallationID, models.SyncStatusRateLimited, ""); err != nil {
		logger.WithError(err).Warn("Failed to mark installation rate limited")
	}

	r.sched.ScheduleAt(until, scheduler.TaskJobRun, map[string]string{"job_id": job.ID})
	logger.WithFields(logrus.Fields{
		"blocked_until": until,
		"remaining":     remaining,
	}).Info("Ingestion job blocked on rate limit")
	return nil
}

// failJob records a terminal failure and surfaces it on the installation.
// Failed jobs are not auto-retried; a re-invocation of the same id is the
// operator's call and short-circuits unless the status is reset first.
func (r *JobRunner) failJob(ctx context.Context, job *models.IngestionJob, msg string) error {
	job.Status = models.JobFailed
	job.LastError = msg
	if err := r.store.UpdateIngestionJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist failed job: %w", err)
	}
	if err := r.store.UpdateInstallationStatus(ctx, job.InstallationID, models.SyncStatusError, msg); err != nil {
		r.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to mark installation errored")
	}

	r.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"repo":   job.RepoFullName,
		"error":  msg,
	}).Error("Ingestion job failed")

	if _, err := r.batches.MaybeFinalize(ctx, job.BatchID); err != nil {
		r.logger.WithError(err).WithField("batch_id", job.BatchID).Error("Failed to finalize batch after job failure")
	}
	return nil
}

func resetPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
