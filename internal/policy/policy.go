package policy

import (
	"time"

	"github.com/misty-step/gitpulse-sub000/internal/config"
	"github.com/misty-step/gitpulse-sub000/internal/models"
)

// Action is what the caller should do with a sync request.
type Action string

const (
	ActionStart Action = "start"
	ActionSkip  Action = "skip"
	ActionBlock Action = "block"
)

// Decision reason codes, stable strings surfaced to callers and logs.
const (
	ReasonReady          = "ready"
	ReasonNoClerkUser    = "no_clerk_user"
	ReasonNoRepositories = "no_repositories"
	ReasonCooldownActive = "cooldown_active"
	ReasonRateLimited    = "rate_limited"
	ReasonAlreadySyncing = "already_syncing"
)

// Decision is the outcome of evaluating a sync request against installation
// state.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
	// CooldownMs is set when a manual trigger is skipped for cooldown.
	CooldownMs int64 `json:"cooldown_ms,omitempty"`
	// BlockedUntil is set when the decision is a rate-limit block.
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Engine evaluates whether a sync should start. It is a pure decision
// function over installation state, trigger and the supplied clock value;
// it performs no I/O.
type Engine struct {
	cfg *config.SyncConfig
}

// NewEngine creates a policy engine with the given thresholds.
func NewEngine(cfg *config.SyncConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs the admission checks in fixed order; the first failing check
// wins. Non-manual triggers skip the cooldown and already-syncing guards:
// they queue independently and the caller is responsible for an active-batch
// check before double-starting.
func (e *Engine) Evaluate(inst *models.Installation, trigger models.SyncTrigger, now time.Time) Decision {
	if !inst.HasLinkedUser() {
		return Decision{Action: ActionBlock, Reason: ReasonNoClerkUser}
	}

	if len(inst.Repositories) == 0 {
		return Decision{Action: ActionBlock, Reason: ReasonNoRepositories}
	}

	if trigger == models.TriggerManual && inst.LastManualSyncAt != nil {
		elapsed := now.Sub(*inst.LastManualSyncAt)
		if elapsed < e.cfg.ManualCooldown && !e.stale(inst, now) {
			return Decision{
				Action:     ActionSkip,
				Reason:     ReasonCooldownActive,
				CooldownMs: (e.cfg.ManualCooldown - elapsed).Milliseconds(),
			}
		}
	}

	required := e.cfg.MinBudget
	if trigger == models.TriggerCron {
		// Crons must leave headroom for webhook-driven syncs.
		required += e.cfg.WebhookReserve
	}
	if inst.RateLimitRemaining < required {
		return Decision{
			Action:       ActionBlock,
			Reason:       ReasonRateLimited,
			BlockedUntil: inst.RateLimitReset,
		}
	}

	if trigger == models.TriggerManual && inst.SyncStatus == models.SyncStatusSyncing {
		return Decision{Action: ActionBlock, Reason: ReasonAlreadySyncing}
	}

	return Decision{Action: ActionStart, Reason: ReasonReady}
}

// stale reports whether the installation has gone long enough without a
// successful sync that the manual cooldown should be bypassed.
func (e *Engine) stale(inst *models.Installation, now time.Time) bool {
	if inst.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*inst.LastSyncedAt) > e.cfg.StaleAfter
}

// CalculateSyncSince returns the lower bound for a sync window. The overlap
// buffer deliberately re-scans a small window to tolerate upstream clock skew
// and late-arriving data; content-hash dedup absorbs the re-processing.
func (e *Engine) CalculateSyncSince(lastSyncedAt *time.Time, now time.Time) time.Time {
	if lastSyncedAt == nil {
		return now.Add(-e.cfg.InitialLookback)
	}
	return lastSyncedAt.Add(-e.cfg.OverlapBuffer)
}
