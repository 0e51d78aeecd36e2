package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/misty-step/gitpulse-sub000/internal/canonical"
	"github.com/misty-step/gitpulse-sub000/internal/config"
	"github.com/misty-step/gitpulse-sub000/internal/facts"
	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/store"
)

// Supported webhook event kinds.
const (
	KindPullRequest       = "pull_request"
	KindPullRequestReview = "pull_request_review"
	KindIssues            = "issues"
	KindIssueComment      = "issue_comment"
	KindPush              = "push"
)

// Intake stores raw webhook deliveries and processes them asynchronously.
// Duplicate deliveries are absorbed at enqueue, before any business logic
// runs; duplicate canonical events are absorbed by the fact service.
type Intake struct {
	store  store.Store
	facts  *facts.Service
	cfg    *config.SyncConfig
	logger *logrus.Logger
}

// NewIntake creates a webhook intake.
func NewIntake(st store.Store, factSvc *facts.Service, cfg *config.SyncConfig, logger *logrus.Logger) *Intake {
	return &Intake{store: st, facts: factSvc, cfg: cfg, logger: logger}
}

// Enqueue stores one delivery for later processing and returns its envelope
// id. A delivery id seen before returns the existing envelope id without
// inserting.
func (i *Intake) Enqueue(ctx context.Context, deliveryID, eventKind string, payload json.RawMessage) (string, error) {
	if deliveryID == "" {
		return "", fmt.Errorf("delivery id is required")
	}

	existing, err := i.store.GetEnvelopeByDeliveryID(ctx, deliveryID)
	if err != nil {
		return "", fmt.Errorf("failed to check for existing delivery: %w", err)
	}
	if existing != nil {
		i.logger.WithFields(logrus.Fields{
			"delivery_id": deliveryID,
			"envelope_id": existing.ID,
		}).Debug("Duplicate webhook delivery absorbed")
		return existing.ID, nil
	}

	env := &models.WebhookEnvelope{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		EventKind:  eventKind,
		Payload:    payload,
		Status:     models.EnvelopePending,
	}
	if err := i.store.InsertEnvelope(ctx, env); err != nil {
		// A concurrent enqueue of the same delivery can beat us to the
		// unique index; re-read and absorb.
		if dup, dupErr := i.store.GetEnvelopeByDeliveryID(ctx, deliveryID); dupErr == nil && dup != nil {
			return dup.ID, nil
		}
		return "", fmt.Errorf("failed to insert envelope: %w", err)
	}
	return env.ID, nil
}

// Process dispatches one stored envelope through the canonicalizer and the
// fact service. A duplicate event is a success, not an error. On failure the
// envelope is marked failed with an incremented retry count and left for the
// retry sweep.
func (i *Intake) Process(ctx context.Context, envelopeID string) error {
	env, err := i.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return fmt.Errorf("failed to load envelope: %w", err)
	}
	if env.Status == models.EnvelopeCompleted {
		return nil
	}

	env.Status = models.EnvelopeProcessing
	if err := i.store.UpdateEnvelope(ctx, env); err != nil {
		return fmt.Errorf("failed to mark envelope processing: %w", err)
	}

	if err := i.dispatch(ctx, env); err != nil {
		env.Status = models.EnvelopeFailed
		env.RetryCount++
		env.LastError = err.Error()
		if uerr := i.store.UpdateEnvelope(ctx, env); uerr != nil {
			return fmt.Errorf("failed to mark envelope failed: %w", uerr)
		}
		i.logger.WithError(err).WithFields(logrus.Fields{
			"envelope_id": env.ID,
			"event_kind":  env.EventKind,
			"retry_count": env.RetryCount,
		}).Error("Webhook processing failed")
		return nil
	}

	env.Status = models.EnvelopeCompleted
	env.LastError = ""
	if err := i.store.UpdateEnvelope(ctx, env); err != nil {
		return fmt.Errorf("failed to mark envelope completed: %w", err)
	}
	return nil
}

func (i *Intake) dispatch(ctx context.Context, env *models.WebhookEnvelope) error {
	switch env.EventKind {
	case KindPush:
		var p models.PushPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed push payload: %w", err)
		}
		events, err := canonical.ExpandPush(&p)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if _, err := i.facts.Persist(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	case KindPullRequest:
		var p models.PullRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed pull_request payload: %w", err)
		}
		return i.persistOne(ctx, canonical.Input{Kind: canonical.KindPullRequest, PullRequest: &p})
	case KindPullRequestReview:
		var p models.ReviewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed pull_request_review payload: %w", err)
		}
		return i.persistOne(ctx, canonical.Input{Kind: canonical.KindReview, Review: &p})
	case KindIssues:
		var p models.IssuePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed issues payload: %w", err)
		}
		return i.persistOne(ctx, canonical.Input{Kind: canonical.KindIssue, Issue: &p})
	case KindIssueComment:
		var p models.IssueCommentPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed issue_comment payload: %w", err)
		}
		return i.persistOne(ctx, canonical.Input{Kind: canonical.KindIssueComment, IssueComment: &p})
	default:
		// An unsupported kind is not a failure; complete it so the sweep
		// never retries what will never be actionable.
		i.logger.WithFields(logrus.Fields{
			"envelope_id": env.ID,
			"event_kind":  env.EventKind,
		}).Debug("Ignoring unsupported webhook event kind")
		return nil
	}
}

func (i *Intake) persistOne(ctx context.Context, in canonical.Input) error {
	ev, err := canonical.Canonicalize(in)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	_, err = i.facts.Persist(ctx, ev)
	return err
}

// RetryFailed re-dispatches failed envelopes that have retries left.
// Periodic sweep; at-least-once, which is safe because processing is
// idempotent end to end.
func (i *Intake) RetryFailed(ctx context.Context) error {
	envs, err := i.store.ListFailedEnvelopes(ctx, i.cfg.MaxWebhookRetries)
	if err != nil {
		return fmt.Errorf("failed to list failed envelopes: %w", err)
	}
	for _, env := range envs {
		if err := i.Process(ctx, env.ID); err != nil {
			i.logger.WithError(err).WithField("envelope_id", env.ID).Error("Failed to retry envelope")
		}
	}
	return nil
}
