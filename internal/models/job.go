package models

import "time"

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobBlocked   JobStatus = "blocked"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// RateLimitSnapshot is the budget last observed by a job, taken from the
// source API response headers.
type RateLimitSnapshot struct {
	Remaining int        `json:"remaining"`
	Reset     *time.Time `json:"reset,omitempty"`
}

// IngestionJob is a resumable unit of work covering exactly one repository.
// Cursor and ETag are persisted after every page so a blocked or crashed job
// can continue where it left off.
type IngestionJob struct {
	ID             string            `json:"id"`
	BatchID        string            `json:"batch_id"`
	InstallationID int64             `json:"installation_id"`
	RepoFullName   string            `json:"repo_full_name"`
	Status         JobStatus         `json:"status"`
	Progress       int               `json:"progress"`
	Cursor         string            `json:"cursor,omitempty"`
	ETag           string            `json:"etag,omitempty"`
	EventsIngested int               `json:"events_ingested"`
	BlockedUntil   *time.Time        `json:"blocked_until,omitempty"`
	RateLimit      RateLimitSnapshot `json:"rate_limit"`
	LastError      string            `json:"last_error,omitempty"`
	SyncSince      time.Time         `json:"sync_since"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Terminal reports whether the job has reached a final status. Blocked is not
// terminal; a blocked job resumes on its scheduled callback.
func (j *IngestionJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
