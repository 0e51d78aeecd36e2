package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misty-step/gitpulse-sub000/internal/config"
	"github.com/misty-step/gitpulse-sub000/internal/facts"
	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/policy"
	"github.com/misty-step/gitpulse-sub000/internal/scheduler"
	"github.com/misty-step/gitpulse-sub000/internal/source"
	"github.com/misty-step/gitpulse-sub000/internal/store"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeClient serves scripted page results in order.
type fakeClient struct {
	pages      []*models.PageResult
	pageIdx    int
	repoErr    error
	commits    []models.CommitListItem
	commitsErr error
	commitsRL  models.RateLimitInfo
}

func (f *fakeClient) GetRepository(ctx context.Context, token, repoFullName string) (*models.SourceRepo, error) {
	if f.repoErr != nil {
		return nil, f.repoErr
	}
	return &models.SourceRepo{ID: 42, FullName: repoFullName}, nil
}

func (f *fakeClient) FetchTimelinePage(ctx context.Context, token, repoFullName string, since time.Time, cursor, etag string) (*models.PageResult, error) {
	if f.pageIdx >= len(f.pages) {
		return &models.PageResult{RateLimit: models.RateLimitInfo{Remaining: 5000}}, nil
	}
	page := f.pages[f.pageIdx]
	f.pageIdx++
	return page, nil
}

func (f *fakeClient) ListCommitsSince(ctx context.Context, token, repoFullName string, since time.Time, page int) ([]models.CommitListItem, models.RateLimitInfo, error) {
	if f.commitsErr != nil {
		return nil, models.RateLimitInfo{}, f.commitsErr
	}
	rl := f.commitsRL
	if rl.Remaining == 0 && rl.Reset == nil {
		rl.Remaining = 5000
	}
	return f.commits, rl, nil
}

func (f *fakeClient) ShouldPause(remaining int) bool {
	return remaining >= 0 && remaining <= 100
}

func node(id int64, number int, login string) models.TimelineNode {
	return models.TimelineNode{
		SourceID:      id,
		IsPullRequest: true,
		Number:        number,
		Title:         "Add pagination",
		State:         "open",
		URL:           "https://github.com/acme/widgets/pull/12",
		UpdatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:         &models.SourceUser{ID: 7, Login: login},
	}
}

func newRunner(t *testing.T, st store.Store, client SourceClient, rec *scheduler.Recorder) (*JobRunner, *BatchService) {
	t.Helper()
	logger := testLogger()
	tokens, err := source.NewTokenCache(8, source.StaticMint("tok"))
	require.NoError(t, err)
	batches := NewBatchService(st, rec, logger)
	factSvc := facts.NewService(st, logger)
	return NewJobRunner(st, client, tokens, factSvc, batches, rec, config.DefaultSyncConfig(), logger), batches
}

func seedInstallation(t *testing.T, st store.Store, repos []string) *models.Installation {
	t.Helper()
	inst := &models.Installation{
		ID:                 1,
		AccountLogin:       "acme",
		ClerkUserID:        "user_1",
		Repositories:       repos,
		SyncStatus:         models.SyncStatusIdle,
		RateLimitRemaining: 5000,
	}
	require.NoError(t, st.SaveInstallation(context.Background(), inst))
	return inst
}

func TestJobRunCompletesAndFinalizesBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, []string{"acme/widgets"})

	client := &fakeClient{
		pages: []*models.PageResult{
			{Nodes: []models.TimelineNode{node(100, 12, "octocat")}, HasNextPage: true, Cursor: "2", RateLimit: models.RateLimitInfo{Remaining: 4000}},
			{Nodes: []models.TimelineNode{node(101, 13, "octocat")}, HasNextPage: false, RateLimit: models.RateLimitInfo{Remaining: 3999}},
		},
	}
	runner, batches := newRunner(t, st, client, rec)

	since := time.Now().Add(-time.Hour)
	batch, jobs, err := batches.Create(ctx, 1, models.TriggerManual, []string{"acme/widgets"}, since, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, runner.Run(ctx, jobs[0].ID))

	job, err := st.GetIngestionJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 2, job.EventsIngested)

	final, err := st.GetSyncBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, final.Status)
	assert.Equal(t, 1, final.CompletedRepos)
	assert.Equal(t, 2, final.EventsIngested)
	require.NotNil(t, final.FinalizedAt)

	inst, err := st.GetInstallation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, inst.SyncStatus)
	require.NotNil(t, inst.LastSyncedAt)

	assert.Len(t, rec.Named(scheduler.TaskReportGenerate), 1)
}

func TestJobRunBlocksOnRateLimitAndResumes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, []string{"acme/widgets"})

	reset := time.Now().Add(30 * time.Minute)
	client := &fakeClient{
		pages: []*models.PageResult{
			{Nodes: []models.TimelineNode{node(100, 12, "octocat")}, HasNextPage: true, Cursor: "2", RateLimit: models.RateLimitInfo{Remaining: 0, Reset: &reset}},
			{Nodes: []models.TimelineNode{node(101, 13, "octocat")}, HasNextPage: false, RateLimit: models.RateLimitInfo{Remaining: 4500}},
		},
	}
	runner, batches := newRunner(t, st, client, rec)

	_, jobs, err := batches.Create(ctx, 1, models.TriggerManual, []string{"acme/widgets"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	require.NoError(t, runner.Run(ctx, jobs[0].ID))

	job, err := st.GetIngestionJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobBlocked, job.Status)
	require.NotNil(t, job.BlockedUntil)
	assert.WithinDuration(t, reset, *job.BlockedUntil, time.Second)
	assert.Equal(t, "2", job.Cursor)
	assert.Equal(t, 1, job.EventsIngested)

	inst, err := st.GetInstallation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusRateLimited, inst.SyncStatus)

	resumes := rec.Named(scheduler.TaskJobRun)
	require.Len(t, resumes, 1)
	assert.Equal(t, job.ID, resumes[0].Args["job_id"])

	// Resume drive picks up at the persisted cursor and completes.
	require.NoError(t, runner.Run(ctx, job.ID))
	job, err = st.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 2, job.EventsIngested)
}

func TestJobRunFailsOnMetadataError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, []string{"acme/widgets"})

	client := &fakeClient{repoErr: source.NewAPIError(500, "boom", nil)}
	runner, batches := newRunner(t, st, client, rec)

	batch, jobs, err := batches.Create(ctx, 1, models.TriggerManual, []string{"acme/widgets"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	require.NoError(t, runner.Run(ctx, jobs[0].ID))

	job, err := st.GetIngestionJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.NotEmpty(t, job.LastError)

	inst, err := st.GetInstallation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, inst.SyncStatus)

	// All jobs failed, so the batch fails and no report is scheduled.
	final, err := st.GetSyncBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, final.Status)
	assert.Empty(t, rec.Named(scheduler.TaskReportGenerate))
}

func TestJobRunTerminalShortCircuit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, []string{"acme/widgets"})

	client := &fakeClient{}
	runner, batches := newRunner(t, st, client, rec)

	_, jobs, err := batches.Create(ctx, 1, models.TriggerManual, []string{"acme/widgets"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	job := jobs[0]
	job.Status = models.JobFailed
	job.LastError = "kept"
	require.NoError(t, st.UpdateIngestionJob(ctx, job))

	require.NoError(t, runner.Run(ctx, job.ID))

	after, err := st.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, after.Status)
	assert.Equal(t, "kept", after.LastError)
	assert.Equal(t, 0, client.pageIdx)
}

func TestMaybeFinalizePartialBatchStaysRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, nil)
	batches := NewBatchService(st, rec, testLogger())

	batch, jobs, err := batches.Create(ctx, 1, models.TriggerCron, []string{"a/a", "b/b", "c/c"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	jobs[0].Status = models.JobCompleted
	jobs[0].EventsIngested = 3
	require.NoError(t, st.UpdateIngestionJob(ctx, jobs[0]))
	jobs[1].Status = models.JobFailed
	require.NoError(t, st.UpdateIngestionJob(ctx, jobs[1]))

	got, err := batches.MaybeFinalize(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchRunning, got.Status)
	assert.Empty(t, rec.Named(scheduler.TaskReportGenerate))

	jobs[2].Status = models.JobCompleted
	jobs[2].EventsIngested = 2
	require.NoError(t, st.UpdateIngestionJob(ctx, jobs[2]))

	got, err = batches.MaybeFinalize(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedRepos)
	assert.Equal(t, 1, got.FailedRepos)
	assert.Equal(t, 5, got.EventsIngested)

	// Redundant finalize is a no-op and does not re-trigger the report.
	_, err = batches.MaybeFinalize(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Named(scheduler.TaskReportGenerate), 1)
}

func TestMaybeFinalizeConcurrentCallersFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, nil)
	batches := NewBatchService(st, rec, testLogger())

	batch, jobs, err := batches.Create(ctx, 1, models.TriggerCron, []string{"a/a", "b/b", "c/c"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	jobs[0].Status = models.JobCompleted
	jobs[0].EventsIngested = 3
	require.NoError(t, st.UpdateIngestionJob(ctx, jobs[0]))
	jobs[1].Status = models.JobCompleted
	jobs[1].EventsIngested = 2
	require.NoError(t, st.UpdateIngestionJob(ctx, jobs[1]))
	jobs[2].Status = models.JobFailed
	require.NoError(t, st.UpdateIngestionJob(ctx, jobs[2]))

	// Every terminal-job path and the sweep can race through finalize at
	// the same time; only one caller may win the terminal write.
	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := batches.MaybeFinalize(ctx, batch.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	final, err := st.GetSyncBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedRepos)
	assert.Equal(t, 1, final.FailedRepos)
	assert.Equal(t, 5, final.EventsIngested)
	require.NotNil(t, final.FinalizedAt)

	assert.Len(t, rec.Named(scheduler.TaskReportGenerate), 1)
}

func TestFinalizeCompleteBatchesSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, nil)
	batches := NewBatchService(st, rec, testLogger())

	batch, jobs, err := batches.Create(ctx, 1, models.TriggerCron, []string{"a/a"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	jobs[0].Status = models.JobCompleted
	require.NoError(t, st.UpdateIngestionJob(ctx, jobs[0]))

	require.NoError(t, batches.FinalizeCompleteBatches(ctx))

	got, err := st.GetSyncBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, got.Status)
}

func TestStartSyncManual(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, []string{"acme/widgets", "acme/gadgets"})

	logger := testLogger()
	cfg := config.DefaultSyncConfig()
	batches := NewBatchService(st, rec, logger)
	svc := NewService(st, policy.NewEngine(cfg), batches, rec, logger)

	res, err := svc.StartSync(ctx, 1, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, policy.ActionStart, res.Decision.Action)
	require.NotNil(t, res.Batch)
	assert.Equal(t, 2, res.Batch.TotalRepos)
	assert.Len(t, res.JobIDs, 2)
	assert.Len(t, rec.Named(scheduler.TaskJobRun), 2)

	inst, err := st.GetInstallation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSyncing, inst.SyncStatus)
	require.NotNil(t, inst.LastManualSyncAt)
}

func TestStartSyncPolicyRejection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()

	inst := seedInstallation(t, st, []string{"acme/widgets"})
	inst.ClerkUserID = ""
	require.NoError(t, st.SaveInstallation(ctx, inst))

	logger := testLogger()
	batches := NewBatchService(st, rec, logger)
	svc := NewService(st, policy.NewEngine(config.DefaultSyncConfig()), batches, rec, logger)

	res, err := svc.StartSync(ctx, 1, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, policy.ActionBlock, res.Decision.Action)
	assert.Equal(t, policy.ReasonNoClerkUser, res.Decision.Reason)
	assert.Nil(t, res.Batch)
	assert.Empty(t, rec.Tasks)
}

func TestStartSyncCronSkipsActiveBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := scheduler.NewRecorder()
	seedInstallation(t, st, []string{"acme/widgets"})

	logger := testLogger()
	batches := NewBatchService(st, rec, logger)
	svc := NewService(st, policy.NewEngine(config.DefaultSyncConfig()), batches, rec, logger)

	_, _, err := batches.Create(ctx, 1, models.TriggerCron, []string{"acme/widgets"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	res, err := svc.StartSync(ctx, 1, models.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, policy.ActionSkip, res.Decision.Action)
	assert.Equal(t, policy.ReasonAlreadySyncing, res.Decision.Reason)
	assert.Nil(t, res.Batch)
}
