package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/misty-step/gitpulse-sub000/internal/errors"
	"github.com/misty-step/gitpulse-sub000/internal/models"
)

// GetInstallation retrieves an installation by id.
func (s *PostgresStore) GetInstallation(ctx context.Context, id int64) (*models.Installation, error) {
	var inst models.Installation
	var reposJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_login, clerk_user_id, repositories, sync_status,
		       last_synced_at, last_manual_sync_at, last_sync_error,
		       rate_limit_remaining, rate_limit_reset, cursor, etag,
		       created_at, updated_at
		FROM installations WHERE id = $1
	`, id).Scan(
		&inst.ID, &inst.AccountLogin, &inst.ClerkUserID, &reposJSON, &inst.SyncStatus,
		&inst.LastSyncedAt, &inst.LastManualSyncAt, &inst.LastSyncError,
		&inst.RateLimitRemaining, &inst.RateLimitReset, &inst.Cursor, &inst.ETag,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("installation not found: %d", id), nil)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}

	if err := json.Unmarshal(reposJSON, &inst.Repositories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repositories: %w", err)
	}

	return &inst, nil
}

// SaveInstallation upserts an installation row.
func (s *PostgresStore) SaveInstallation(ctx context.Context, inst *models.Installation) error {
	reposJSON, err := json.Marshal(inst.Repositories)
	if err != nil {
		return fmt.Errorf("failed to marshal repositories: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO installations (
			id, account_login, clerk_user_id, repositories, sync_status,
			last_synced_at, last_manual_sync_at, last_sync_error,
			rate_limit_remaining, rate_limit_reset, cursor, etag, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			account_login = EXCLUDED.account_login,
			clerk_user_id = EXCLUDED.clerk_user_id,
			repositories = EXCLUDED.repositories,
			sync_status = EXCLUDED.sync_status,
			last_synced_at = EXCLUDED.last_synced_at,
			last_manual_sync_at = EXCLUDED.last_manual_sync_at,
			last_sync_error = EXCLUDED.last_sync_error,
			rate_limit_remaining = EXCLUDED.rate_limit_remaining,
			rate_limit_reset = EXCLUDED.rate_limit_reset,
			cursor = EXCLUDED.cursor,
			etag = EXCLUDED.etag,
			updated_at = NOW()
	`, inst.ID, inst.AccountLogin, inst.ClerkUserID, reposJSON, inst.SyncStatus,
		inst.LastSyncedAt, inst.LastManualSyncAt, inst.LastSyncError,
		inst.RateLimitRemaining, inst.RateLimitReset, inst.Cursor, inst.ETag)
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInstallationStatus(ctx context.Context, id int64, status models.InstallationSyncStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE installations SET sync_status = $2, last_sync_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("failed to update installation status: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkInstallationSynced(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE installations SET last_synced_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark installation synced: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkManualSync(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE installations SET last_manual_sync_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark manual sync: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInstallationRateLimit(ctx context.Context, id int64, remaining int, reset *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE installations SET rate_limit_remaining = $2, rate_limit_reset = $3, updated_at = NOW()
		WHERE id = $1
	`, id, remaining, reset)
	if err != nil {
		return fmt.Errorf("failed to update installation rate limit: %w", err)
	}
	return nil
}

// InsertSyncBatch inserts a new batch row.
func (s *PostgresStore) InsertSyncBatch(ctx context.Context, batch *models.SyncBatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_batches (
			id, installation_id, trigger, status, total_repos,
			completed_repos, failed_repos, events_ingested, sync_since, sync_until, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, batch.ID, batch.InstallationID, batch.Trigger, batch.Status, batch.TotalRepos,
		batch.CompletedRepos, batch.FailedRepos, batch.EventsIngested, batch.SyncSince, batch.SyncUntil)
	if err != nil {
		return fmt.Errorf("failed to insert sync batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanBatch(row interface{ Scan(...interface{}) error }) (*models.SyncBatch, error) {
	var b models.SyncBatch
	err := row.Scan(
		&b.ID, &b.InstallationID, &b.Trigger, &b.Status, &b.TotalRepos,
		&b.CompletedRepos, &b.FailedRepos, &b.EventsIngested,
		&b.SyncSince, &b.SyncUntil, &b.CreatedAt, &b.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const batchColumns = `id, installation_id, trigger, status, total_repos,
	completed_repos, failed_repos, events_ingested, sync_since, sync_until, created_at, finalized_at`

func (s *PostgresStore) GetSyncBatch(ctx context.Context, id string) (*models.SyncBatch, error) {
	batch, err := s.scanBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM sync_batches WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("sync batch not found: %s", id), nil)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get sync batch: %w", err)
	}
	return batch, nil
}

func (s *PostgresStore) ListRunningBatches(ctx context.Context) ([]*models.SyncBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM sync_batches WHERE status = $1 ORDER BY created_at`,
		models.BatchRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.SyncBatch
	for rows.Next() {
		batch, err := s.scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync batch: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func (s *PostgresStore) GetRunningBatchForInstallation(ctx context.Context, installationID int64) (*models.SyncBatch, error) {
	batch, err := s.scanBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM sync_batches
		 WHERE installation_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		installationID, models.BatchRunning))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get running batch: %w", err)
	}
	return batch, nil
}

// FinalizeSyncBatch writes the terminal status only if the batch is still
// running. The affected-row count tells the caller whether it won the
// transition.
func (s *PostgresStore) FinalizeSyncBatch(ctx context.Context, id string, status models.BatchStatus, completed, failed, events int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_batches
		SET status = $2, completed_repos = $3, failed_repos = $4,
		    events_ingested = $5, finalized_at = $6
		WHERE id = $1 AND status = $7
	`, id, status, completed, failed, events, at, models.BatchRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finalize sync batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// InsertIngestionJobs inserts the pending jobs created with a batch.
func (s *PostgresStore) InsertIngestionJobs(ctx context.Context, jobs []*models.IngestionJob) error {
	for _, job := range jobs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ingestion_jobs (
				id, batch_id, installation_id, repo_full_name, status, progress,
				cursor, etag, events_ingested, blocked_until,
				rate_limit_remaining, rate_limit_reset, last_error, sync_since,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		`, job.ID, job.BatchID, job.InstallationID, job.RepoFullName, job.Status, job.Progress,
			job.Cursor, job.ETag, job.EventsIngested, job.BlockedUntil,
			job.RateLimit.Remaining, job.RateLimit.Reset, job.LastError, job.SyncSince)
		if err != nil {
			return fmt.Errorf("failed to insert ingestion job %s: %w", job.ID, err)
		}
	}
	return nil
}

const jobColumns = `id, batch_id, installation_id, repo_full_name, status, progress,
	cursor, etag, events_ingested, blocked_until,
	rate_limit_remaining, rate_limit_reset, last_error, sync_since, created_at, updated_at`

func (s *PostgresStore) scanJob(row interface{ Scan(...interface{}) error }) (*models.IngestionJob, error) {
	var j models.IngestionJob
	err := row.Scan(
		&j.ID, &j.BatchID, &j.InstallationID, &j.RepoFullName, &j.Status, &j.Progress,
		&j.Cursor, &j.ETag, &j.EventsIngested, &j.BlockedUntil,
		&j.RateLimit.Remaining, &j.RateLimit.Reset, &j.LastError, &j.SyncSince,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) GetIngestionJob(ctx context.Context, id string) (*models.IngestionJob, error) {
	job, err := s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("ingestion job not found: %s", id), nil)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get ingestion job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListBatchJobs(ctx context.Context, batchID string) ([]*models.IngestionJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE batch_id = $1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.IngestionJob
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingestion job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateIngestionJob(ctx context.Context, job *models.IngestionJob) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET
			status = $2, progress = $3, cursor = $4, etag = $5,
			events_ingested = $6, blocked_until = $7,
			rate_limit_remaining = $8, rate_limit_reset = $9,
			last_error = $10, updated_at = NOW()
		WHERE id = $1
	`, job.ID, job.Status, job.Progress, job.Cursor, job.ETag,
		job.EventsIngested, job.BlockedUntil,
		job.RateLimit.Remaining, job.RateLimit.Reset, job.LastError)
	if err != nil {
		return fmt.Errorf("failed to update ingestion job: %w", err)
	}
	return nil
}

// UpsertActor upserts an actor dimension row by its natural source id.
func (s *PostgresStore) UpsertActor(ctx context.Context, actor *models.Actor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (source_id, login, name, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
			login = EXCLUDED.login,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url
	`, actor.SourceID, actor.Login, actor.Name, actor.AvatarURL)
	if err != nil {
		return fmt.Errorf("failed to upsert actor: %w", err)
	}
	return nil
}

// UpsertRepo upserts a repo dimension row by its natural source id.
func (s *PostgresStore) UpsertRepo(ctx context.Context, repo *models.Repo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repos (source_id, full_name, private, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			private = EXCLUDED.private
	`, repo.SourceID, repo.FullName, repo.Private)
	if err != nil {
		return fmt.Errorf("failed to upsert repo: %w", err)
	}
	return nil
}

// GetEventByContentHash returns the event with the given content hash, or
// nil when none exists.
func (s *PostgresStore) GetEventByContentHash(ctx context.Context, hash string) (*models.CanonicalEvent, error) {
	var ev models.CanonicalEvent
	var metricsJSON, metadataJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, repo_full_name, repo_source_id, actor_login, actor_source_id,
		       event_timestamp, canonical_text, source_url, metrics, metadata,
		       content_hash, created_at
		FROM events WHERE content_hash = $1
	`, hash).Scan(
		&ev.ID, &ev.Type, &ev.RepoFullName, &ev.RepoSourceID, &ev.ActorLogin, &ev.ActorSourceID,
		&ev.Timestamp, &ev.CanonicalText, &ev.SourceURL, &metricsJSON, &metadataJSON,
		&ev.ContentHash, &ev.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get event by content hash: %w", err)
	}

	if metricsJSON != nil {
		if err := json.Unmarshal(metricsJSON, &ev.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &ev, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *models.CanonicalEvent) (int64, error) {
	var metricsJSON, metadataJSON []byte
	var err error
	if ev.Metrics != nil {
		if metricsJSON, err = json.Marshal(ev.Metrics); err != nil {
			return 0, fmt.Errorf("failed to marshal metrics: %w", err)
		}
	}
	if ev.Metadata != nil {
		if metadataJSON, err = json.Marshal(ev.Metadata); err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (
			type, repo_full_name, repo_source_id, actor_login, actor_source_id,
			event_timestamp, canonical_text, source_url, metrics, metadata,
			content_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING id
	`, ev.Type, ev.RepoFullName, ev.RepoSourceID, ev.ActorLogin, ev.ActorSourceID,
		ev.Timestamp, ev.CanonicalText, ev.SourceURL, metricsJSON, metadataJSON,
		ev.ContentHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

const envelopeColumns = `id, delivery_id, event_kind, payload, status, retry_count, last_error, created_at, updated_at`

func (s *PostgresStore) scanEnvelope(row interface{ Scan(...interface{}) error }) (*models.WebhookEnvelope, error) {
	var env models.WebhookEnvelope
	var payload []byte
	err := row.Scan(
		&env.ID, &env.DeliveryID, &env.EventKind, &payload, &env.Status,
		&env.RetryCount, &env.LastError, &env.CreatedAt, &env.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	env.Payload = payload
	return &env, nil
}

func (s *PostgresStore) GetEnvelope(ctx context.Context, id string) (*models.WebhookEnvelope, error) {
	env, err := s.scanEnvelope(s.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM webhook_envelopes WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("webhook envelope not found: %s", id), nil)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get webhook envelope: %w", err)
	}
	return env, nil
}

func (s *PostgresStore) GetEnvelopeByDeliveryID(ctx context.Context, deliveryID string) (*models.WebhookEnvelope, error) {
	env, err := s.scanEnvelope(s.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM webhook_envelopes WHERE delivery_id = $1`, deliveryID))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get webhook envelope by delivery id: %w", err)
	}
	return env, nil
}

func (s *PostgresStore) InsertEnvelope(ctx context.Context, env *models.WebhookEnvelope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_envelopes (
			id, delivery_id, event_kind, payload, status, retry_count, last_error,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, env.ID, env.DeliveryID, env.EventKind, []byte(env.Payload), env.Status,
		env.RetryCount, env.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert webhook envelope: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEnvelope(ctx context.Context, env *models.WebhookEnvelope) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_envelopes SET
			status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, env.ID, env.Status, env.RetryCount, env.LastError)
	if err != nil {
		return fmt.Errorf("failed to update webhook envelope: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFailedEnvelopes(ctx context.Context, maxRetries int) ([]*models.WebhookEnvelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM webhook_envelopes
		 WHERE status = $1 AND retry_count < $2 ORDER BY created_at`,
		models.EnvelopeFailed, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed envelopes: %w", err)
	}
	defer rows.Close()

	var envs []*models.WebhookEnvelope
	for rows.Next() {
		env, err := s.scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook envelope: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// EnqueueEmbeddingJob inserts an embedding job keyed by content hash.
// A conflict means the event was already queued; the queue inherits the
// event dedup guarantee through this key.
func (s *PostgresStore) EnqueueEmbeddingJob(ctx context.Context, contentHash string, eventID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_jobs (content_hash, event_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (content_hash) DO NOTHING
	`, contentHash, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue embedding job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}
