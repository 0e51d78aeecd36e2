package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DBConnectionString string
	SourceToken        string
	SourceAPIBaseURL   string
	FinalizeSweepEvery time.Duration
	WebhookSweepEvery  time.Duration
	Sync               *SyncConfig
	Source             *SourceConfig
}

func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	dbConnStr := getEnv("DB_CONNECTION_STRING", "")
	sourceToken := getEnv("SOURCE_API_TOKEN", "")
	baseURL := getEnv("SOURCE_API_BASE_URL", "https://api.github.com")

	finalizeSweep, err := strconv.Atoi(getEnv("FINALIZE_SWEEP_SECONDS", "60"))
	if err != nil {
		return nil, err
	}
	webhookSweep, err := strconv.Atoi(getEnv("WEBHOOK_SWEEP_SECONDS", "300"))
	if err != nil {
		return nil, err
	}

	source := DefaultSourceConfig()
	source.Token = sourceToken
	source.APIBaseURL = baseURL

	return &Config{
		Port:               port,
		DBConnectionString: dbConnStr,
		SourceToken:        sourceToken,
		SourceAPIBaseURL:   baseURL,
		FinalizeSweepEvery: time.Duration(finalizeSweep) * time.Second,
		WebhookSweepEvery:  time.Duration(webhookSweep) * time.Second,
		Sync:               DefaultSyncConfig(),
		Source:             source,
	}, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
