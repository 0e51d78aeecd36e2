package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/misty-step/gitpulse-sub000/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store defines the persistence contract: point reads by id and by unique
// key, indexed scans, inserts and patches. No cross-entity transactions are
// assumed beyond single-row atomicity.
type Store interface {
	// Installation operations
	GetInstallation(ctx context.Context, id int64) (*models.Installation, error)
	SaveInstallation(ctx context.Context, inst *models.Installation) error
	UpdateInstallationStatus(ctx context.Context, id int64, status models.InstallationSyncStatus, lastError string) error
	MarkInstallationSynced(ctx context.Context, id int64, at time.Time) error
	MarkManualSync(ctx context.Context, id int64, at time.Time) error
	UpdateInstallationRateLimit(ctx context.Context, id int64, remaining int, reset *time.Time) error

	// Sync batch operations
	InsertSyncBatch(ctx context.Context, batch *models.SyncBatch) error
	GetSyncBatch(ctx context.Context, id string) (*models.SyncBatch, error)
	ListRunningBatches(ctx context.Context) ([]*models.SyncBatch, error)
	GetRunningBatchForInstallation(ctx context.Context, installationID int64) (*models.SyncBatch, error)
	// FinalizeSyncBatch writes a terminal status guarded on the batch still
	// being running. It reports whether this call performed the transition,
	// which is the exactly-once gate for downstream triggers.
	FinalizeSyncBatch(ctx context.Context, id string, status models.BatchStatus, completed, failed, events int, at time.Time) (bool, error)

	// Ingestion job operations
	InsertIngestionJobs(ctx context.Context, jobs []*models.IngestionJob) error
	GetIngestionJob(ctx context.Context, id string) (*models.IngestionJob, error)
	ListBatchJobs(ctx context.Context, batchID string) ([]*models.IngestionJob, error)
	UpdateIngestionJob(ctx context.Context, job *models.IngestionJob) error

	// Event and dimension operations
	UpsertActor(ctx context.Context, actor *models.Actor) error
	UpsertRepo(ctx context.Context, repo *models.Repo) error
	GetEventByContentHash(ctx context.Context, hash string) (*models.CanonicalEvent, error)
	InsertEvent(ctx context.Context, ev *models.CanonicalEvent) (int64, error)

	// Webhook envelope operations
	GetEnvelope(ctx context.Context, id string) (*models.WebhookEnvelope, error)
	GetEnvelopeByDeliveryID(ctx context.Context, deliveryID string) (*models.WebhookEnvelope, error)
	InsertEnvelope(ctx context.Context, env *models.WebhookEnvelope) error
	UpdateEnvelope(ctx context.Context, env *models.WebhookEnvelope) error
	ListFailedEnvelopes(ctx context.Context, maxRetries int) ([]*models.WebhookEnvelope, error)

	// Embedding queue operations. Enqueue is keyed by content hash so the
	// queue inherits event dedup; it reports whether a row was inserted.
	EnqueueEmbeddingJob(ctx context.Context, contentHash string, eventID int64) (bool, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Migrate() error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
