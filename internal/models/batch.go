package models

import "time"

// BatchStatus is the lifecycle state of a sync batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// SyncTrigger identifies what caused a sync to be requested.
type SyncTrigger string

const (
	TriggerManual      SyncTrigger = "manual"
	TriggerCron        SyncTrigger = "cron"
	TriggerWebhook     SyncTrigger = "webhook"
	TriggerMaintenance SyncTrigger = "maintenance"
	TriggerRecovery    SyncTrigger = "recovery"
)

// SyncBatch groups the per-repository jobs created by one sync request.
// CompletedRepos/FailedRepos/EventsIngested are recomputed from the job rows
// on finalize, never incremented in place.
type SyncBatch struct {
	ID             string      `json:"id"`
	InstallationID int64       `json:"installation_id"`
	Trigger        SyncTrigger `json:"trigger"`
	Status         BatchStatus `json:"status"`
	TotalRepos     int         `json:"total_repos"`
	CompletedRepos int         `json:"completed_repos"`
	FailedRepos    int         `json:"failed_repos"`
	EventsIngested int         `json:"events_ingested"`
	SyncSince      time.Time   `json:"sync_since"`
	SyncUntil      time.Time   `json:"sync_until"`
	CreatedAt      time.Time   `json:"created_at"`
	FinalizedAt    *time.Time  `json:"finalized_at,omitempty"`
}

// Terminal reports whether the batch has reached a final status.
func (b *SyncBatch) Terminal() bool {
	return b.Status == BatchCompleted || b.Status == BatchFailed
}
