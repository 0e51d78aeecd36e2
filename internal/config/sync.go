package config

import "time"

// SyncConfig holds synchronization policy configuration
type SyncConfig struct {
	ManualCooldown    time.Duration
	StaleAfter        time.Duration
	MinBudget         int
	WebhookReserve    int
	OverlapBuffer     time.Duration
	InitialLookback   time.Duration
	MinBackfillBudget int
	PageSize          int
	DefaultBlockDelay time.Duration
	MaxWebhookRetries int
}

// DefaultSyncConfig returns the default sync configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		ManualCooldown:    5 * time.Minute,
		StaleAfter:        48 * time.Hour,
		MinBudget:         100,
		WebhookReserve:    500,
		OverlapBuffer:     time.Hour,
		InitialLookback:   30 * 24 * time.Hour,
		MinBackfillBudget: 100,
		PageSize:          100,
		DefaultBlockDelay: 15 * time.Minute,
		MaxWebhookRetries: 5,
	}
}
