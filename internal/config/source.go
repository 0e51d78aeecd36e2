package config

import "time"

// SourceConfig holds source-API-specific configuration
type SourceConfig struct {
	Token      string
	APIBaseURL string
	RateLimit  RateLimitConfig
	// RequestsPerSecond caps outbound request pacing on top of the
	// server-side budget.
	RequestsPerSecond float64
	TokenCacheSize    int
}

// RateLimitConfig holds retry/backoff configuration
type RateLimitConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultSourceConfig returns the default source API configuration
func DefaultSourceConfig() *SourceConfig {
	return &SourceConfig{
		APIBaseURL: "https://api.github.com",
		RateLimit: RateLimitConfig{
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
		RequestsPerSecond: 5,
		TokenCacheSize:    128,
	}
}
