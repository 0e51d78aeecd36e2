package models

import (
	"encoding/json"
	"time"
)

// EnvelopeStatus is the lifecycle state of a stored webhook delivery.
type EnvelopeStatus string

const (
	EnvelopePending    EnvelopeStatus = "pending"
	EnvelopeProcessing EnvelopeStatus = "processing"
	EnvelopeCompleted  EnvelopeStatus = "completed"
	EnvelopeFailed     EnvelopeStatus = "failed"
)

// WebhookEnvelope stores one raw webhook delivery for async processing.
// DeliveryID is unique; duplicate deliveries are absorbed at enqueue and
// never reach processing twice.
type WebhookEnvelope struct {
	ID         string          `json:"id"`
	DeliveryID string          `json:"delivery_id"`
	EventKind  string          `json:"event_kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     EnvelopeStatus  `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
