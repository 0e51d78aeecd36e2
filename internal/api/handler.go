package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperrors "github.com/misty-step/gitpulse-sub000/internal/errors"
	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/store"
	"github.com/misty-step/gitpulse-sub000/internal/syncer"
	"github.com/misty-step/gitpulse-sub000/internal/webhook"
)

// ErrorResponse is the JSON error body returned by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler holds the services the HTTP layer fronts.
type Handler struct {
	store   store.Store
	syncSvc *syncer.Service
	batches *syncer.BatchService
	intake  *webhook.Intake
	logger  *logrus.Logger
}

// NewHandler creates an API handler.
func NewHandler(st store.Store, syncSvc *syncer.Service, batches *syncer.BatchService, intake *webhook.Intake, logger *logrus.Logger) *Handler {
	return &Handler{store: st, syncSvc: syncSvc, batches: batches, intake: intake, logger: logger}
}

// ReceiveWebhook accepts a raw source webhook delivery and acks immediately.
// @Summary Receive a webhook delivery
// @Description Stores the delivery for async processing and returns 202. Duplicate delivery ids return the existing envelope id.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-GitHub-Delivery header string true "Unique delivery id"
// @Param X-GitHub-Event header string true "Event kind"
// @Success 202 {object} map[string]string "Envelope id"
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /webhooks/github [post]
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	deliveryID := c.GetHeader("X-GitHub-Delivery")
	eventKind := c.GetHeader("X-GitHub-Event")
	if deliveryID == "" || eventKind == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing delivery headers"})
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable payload"})
		return
	}

	envelopeID, err := h.intake.Enqueue(c.Request.Context(), deliveryID, eventKind, json.RawMessage(payload))
	if err != nil {
		h.logger.WithError(err).Error("Failed to enqueue webhook delivery")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to enqueue delivery"})
		return
	}

	// Processing is deferred; the source only needs the ack, so the
	// processing context must outlive the request.
	go func() {
		if err := h.intake.Process(context.Background(), envelopeID); err != nil {
			h.logger.WithError(err).WithField("envelope_id", envelopeID).Error("Webhook processing error")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"envelope_id": envelopeID})
}

// TriggerSync starts a manual sync for an installation.
// @Summary Trigger a manual sync
// @Description Evaluates sync policy and, when admitted, creates a batch with one job per repository.
// @Tags sync
// @Produce json
// @Param id path int true "Installation ID"
// @Success 200 {object} syncer.StartResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /installations/{id}/sync [post]
func (h *Handler) TriggerSync(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid installation id"})
		return
	}

	res, err := h.syncSvc.StartSync(c.Request.Context(), id, models.TriggerManual)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "installation not found"})
			return
		}
		h.logger.WithError(err).WithField("installation_id", id).Error("Failed to start sync")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to start sync"})
		return
	}

	c.JSON(http.StatusOK, res)
}

// SyncStatusResponse is the installation sync status body.
type SyncStatusResponse struct {
	Installation *models.Installation `json:"installation"`
	ActiveBatch  *models.SyncBatch    `json:"active_batch,omitempty"`
}

// GetSyncStatus reports an installation's current sync state.
// @Summary Get installation sync status
// @Tags sync
// @Produce json
// @Param id path int true "Installation ID"
// @Success 200 {object} SyncStatusResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /installations/{id}/sync-status [get]
func (h *Handler) GetSyncStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid installation id"})
		return
	}

	inst, err := h.store.GetInstallation(c.Request.Context(), id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "installation not found"})
			return
		}
		h.logger.WithError(err).WithField("installation_id", id).Error("Failed to load installation")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load installation"})
		return
	}

	active, err := h.store.GetRunningBatchForInstallation(c.Request.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("installation_id", id).Error("Failed to load active batch")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load active batch"})
		return
	}

	c.JSON(http.StatusOK, SyncStatusResponse{Installation: inst, ActiveBatch: active})
}

// BatchResponse is one batch plus its jobs.
type BatchResponse struct {
	Batch *models.SyncBatch      `json:"batch"`
	Jobs  []*models.IngestionJob `json:"jobs"`
}

// GetBatch returns a batch with its jobs, finalizing opportunistically.
// @Summary Get a sync batch
// @Description Reading a batch recomputes its counters and finalizes it when every job is terminal.
// @Tags sync
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} BatchResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /batches/{id} [get]
func (h *Handler) GetBatch(c *gin.Context) {
	id := c.Param("id")

	batch, err := h.batches.MaybeFinalize(c.Request.Context(), id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "batch not found"})
			return
		}
		h.logger.WithError(err).WithField("batch_id", id).Error("Failed to load batch")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load batch"})
		return
	}

	jobs, err := h.store.ListBatchJobs(c.Request.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("batch_id", id).Error("Failed to list batch jobs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list batch jobs"})
		return
	}

	c.JSON(http.StatusOK, BatchResponse{Batch: batch, Jobs: jobs})
}
