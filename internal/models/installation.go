package models

import "time"

// InstallationSyncStatus tracks where an installation is in its sync lifecycle.
type InstallationSyncStatus string

const (
	SyncStatusIdle        InstallationSyncStatus = "idle"
	SyncStatusSyncing     InstallationSyncStatus = "syncing"
	SyncStatusRateLimited InstallationSyncStatus = "rate_limited"
	SyncStatusError       InstallationSyncStatus = "error"
)

// Installation is a linked source-account credential plus its configured
// repository set and persisted sync state. Status transitions happen only via
// batch finalize or the job block/fail paths.
type Installation struct {
	ID                 int64                  `json:"id"`
	AccountLogin       string                 `json:"account_login"`
	ClerkUserID        string                 `json:"clerk_user_id,omitempty"`
	Repositories       []string               `json:"repositories"`
	SyncStatus         InstallationSyncStatus `json:"sync_status"`
	LastSyncedAt       *time.Time             `json:"last_synced_at,omitempty"`
	LastManualSyncAt   *time.Time             `json:"last_manual_sync_at,omitempty"`
	LastSyncError      string                 `json:"last_sync_error,omitempty"`
	RateLimitRemaining int                    `json:"rate_limit_remaining"`
	RateLimitReset     *time.Time             `json:"rate_limit_reset,omitempty"`
	Cursor             string                 `json:"cursor,omitempty"`
	ETag               string                 `json:"etag,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// HasLinkedUser reports whether the installation is attached to an
// application user. Unlinked installations are never synced.
func (i *Installation) HasLinkedUser() bool {
	return i.ClerkUserID != ""
}
