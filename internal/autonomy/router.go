// Package autonomy routes decisions between automatic execution and human
// review. The router is the only code path that may trigger an autonomous
// apply; every refusal past the kill switch degrades to the review queue,
// never to silence.
package autonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/autopilot/internal/audit"
	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/config"
	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/executor"
	"github.com/basket/autopilot/internal/otel"
	"github.com/basket/autopilot/internal/reliability"
	"github.com/basket/autopilot/internal/store"
)

// Route outcomes.
type Disposition string

const (
	// DispositionShadowed: decision recorded and logged, nothing executed
	// and nothing queued. Shadow mode exists to build a trust corpus.
	DispositionShadowed Disposition = "shadowed"
	// DispositionAutoApplied: guarded apply ran autonomously and succeeded.
	DispositionAutoApplied Disposition = "auto_applied"
	// DispositionQueuedForReview: a review task now holds the decision.
	DispositionQueuedForReview Disposition = "queued_for_review"
	// DispositionRefused: the kill switch is on; nothing was recorded or
	// queued. The producer may resubmit once the switch lifts.
	DispositionRefused Disposition = "refused"
)

const (
	// ReviewActionType is the queue action type carrying decisions that need a
	// human verdict before they may touch a page.
	ReviewActionType = "review_decision"

	globalRateBucket = "auto:global:minute"
	globalRateTTL    = time.Minute
	entityRateTTL    = time.Hour
)

// RouteResult explains where a decision went and why.
type RouteResult struct {
	Disposition Disposition
	Reason      string
	SnapshotID  int64
}

// Router decides, per decision, between autonomous execution and review.
type Router struct {
	store   *store.Store
	exec    *executor.Executor
	monitor *reliability.Monitor
	bus     *bus.Bus
	audit   *audit.Log
	logger  *slog.Logger
	metrics *otel.Metrics
	cfg     config.AutonomyConfig
}

func NewRouter(st *store.Store, exec *executor.Executor, monitor *reliability.Monitor, eventBus *bus.Bus, auditLog *audit.Log, logger *slog.Logger, metrics *otel.Metrics, cfg config.AutonomyConfig) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   st,
		exec:    exec,
		monitor: monitor,
		bus:     eventBus,
		audit:   auditLog,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// SetConfig swaps routing thresholds after a config reload.
func (r *Router) SetConfig(cfg config.AutonomyConfig) {
	r.cfg = cfg
}

// Route records a decision and sends it down exactly one path. The raw
// document must already be schema-valid JSON; Route re-validates nothing
// itself — the executor's guard sequence does that on the apply path.
func (r *Router) Route(ctx context.Context, doc *contract.Document, raw []byte) (RouteResult, error) {
	if doc == nil {
		return RouteResult{}, fmt.Errorf("route requires a decision document")
	}

	// The kill switch short-circuits every mode before any state is written.
	killed, err := r.store.KillSwitchActive(ctx)
	if err != nil {
		return RouteResult{}, err
	}
	if killed {
		if r.audit != nil {
			r.audit.Record(ctx, "deny", "route", "kill switch active", doc.Hash)
		}
		r.logger.Warn("decision refused", "decision_hash", doc.Hash, "reason", "kill switch active")
		return RouteResult{Disposition: DispositionRefused, Reason: "kill switch active"}, nil
	}

	if _, err := r.store.RecordDecision(ctx, store.Decision{
		Hash:       doc.Hash,
		EntityID:   doc.EntityID,
		Score:      doc.Score,
		Confidence: doc.Confidence,
		RiskLevel:  riskOf(doc),
		Actions:    actionsJSON(raw),
	}); err != nil {
		return RouteResult{}, err
	}

	// The persisted mode wins over the config file so an operator mode
	// change takes effect without a restart or reload.
	mode, err := r.store.AutonomyMode(ctx, string(r.cfg.Mode))
	if err != nil {
		return RouteResult{}, err
	}

	if mode == string(config.ModeShadow) {
		if r.audit != nil {
			r.audit.Record(ctx, "allow", "route", "shadow mode", doc.Hash)
		}
		r.logger.Info("decision shadowed",
			"decision_hash", doc.Hash, "entity_id", doc.EntityID, "confidence", doc.Confidence)
		return RouteResult{Disposition: DispositionShadowed, Reason: "shadow mode"}, nil
	}

	if reason, err := r.autonomyBlocked(ctx, doc, mode); err != nil {
		return RouteResult{}, err
	} else if reason != "" {
		return r.queueForReview(ctx, doc, raw, reason)
	}

	// Autonomous path. One intent per decision: a second route of the same
	// hash finds the intent taken and degrades to review instead of
	// double-applying.
	intent, created, err := r.store.CreateIntent(ctx, doc.Hash, "auto_apply", string(raw))
	if err != nil {
		return RouteResult{}, err
	}
	if !created {
		return r.queueForReview(ctx, doc, raw,
			fmt.Sprintf("intent already exists in status %s", intent.Status))
	}
	claimed, err := r.store.ClaimIntent(ctx, intent.ID, "autonomy-router")
	if err != nil {
		return RouteResult{}, err
	}
	if !claimed {
		// The intent changed state between create and claim; whoever holds
		// it owns the apply now.
		return r.queueForReview(ctx, doc, raw, "intent claimed elsewhere")
	}

	if _, err := r.store.ApproveDecision(ctx, doc.Hash); err != nil {
		return RouteResult{}, err
	}

	result, applyErr := r.exec.Apply(ctx, raw, true)
	if applyErr != nil {
		if err := r.store.FailIntent(ctx, intent.ID, "autonomy-router", applyErr.Error()); err != nil {
			r.logger.Warn("fail intent", "intent_id", intent.ID, "error", err.Error())
		}
		// Autonomous failure never drops a decision on the floor.
		return r.queueForReview(ctx, doc, raw,
			fmt.Sprintf("auto-apply failed: %s", applyErr))
	}

	if err := r.store.CompleteIntent(ctx, intent.ID, "autonomy-router"); err != nil {
		r.logger.Warn("complete intent", "intent_id", intent.ID, "error", err.Error())
	}
	if _, err := r.store.MarkDecisionExecuted(ctx, doc.Hash); err != nil {
		r.logger.Warn("mark decision executed", "decision_hash", doc.Hash, "error", err.Error())
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicAutoApplied, bus.AutoAppliedEvent{
			DecisionHash: doc.Hash,
			EntityID:     doc.EntityID,
			SnapshotID:   result.SnapshotID,
			Confidence:   doc.Confidence,
		})
	}
	r.logger.Info("decision auto-applied",
		"decision_hash", doc.Hash,
		"entity_id", doc.EntityID,
		"snapshot_id", result.SnapshotID,
	)
	return RouteResult{Disposition: DispositionAutoApplied, SnapshotID: result.SnapshotID}, nil
}

// autonomyBlocked returns a non-empty reason when the decision must go to
// review. The checks run cheapest-first; rate counters are only consumed once
// everything else allows the apply, so a blocked decision never burns budget.
func (r *Router) autonomyBlocked(ctx context.Context, doc *contract.Document, mode string) (string, error) {
	if mode == string(config.ModeLimited) {
		return "limited mode requires human review", nil
	}

	if r.monitor != nil {
		allowed, err := r.monitor.Allowed(ctx)
		if err != nil {
			return "", err
		}
		if !allowed {
			return "reliability breaker open", nil
		}
	}

	if mode != string(config.ModeFull) {
		return fmt.Sprintf("unknown mode %q", mode), nil
	}
	if riskOf(doc) == store.RiskHigh {
		return "high risk always requires review", nil
	}

	if doc.Confidence < r.cfg.MinConfidence {
		return fmt.Sprintf("confidence %.2f below threshold %.2f", doc.Confidence, r.cfg.MinConfidence), nil
	}

	ok, err := r.store.IncrementRateCounter(ctx, globalRateBucket, r.cfg.MaxAutoPerMinute, globalRateTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		r.noteRateReject(ctx)
		return "global auto-apply rate limit reached", nil
	}
	entityBucket := fmt.Sprintf("auto:entity:%d:hour", doc.EntityID)
	ok, err = r.store.IncrementRateCounter(ctx, entityBucket, r.cfg.MaxAutoPerEntityPerHour, entityRateTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		r.noteRateReject(ctx)
		return "per-entity auto-apply rate limit reached", nil
	}
	return "", nil
}

func (r *Router) queueForReview(ctx context.Context, doc *contract.Document, raw []byte, reason string) (RouteResult, error) {
	dedupKey := "review:" + doc.Hash
	inserted, err := r.store.Enqueue(ctx, ReviewActionType, string(raw), dedupKey)
	if err != nil {
		return RouteResult{}, err
	}
	if inserted && r.metrics != nil {
		r.metrics.TasksEnqueued.Add(ctx, 1)
	}
	if r.audit != nil {
		r.audit.Record(ctx, "deny", "auto_apply", reason, doc.Hash)
	}
	r.logger.Info("decision queued for review",
		"decision_hash", doc.Hash,
		"entity_id", doc.EntityID,
		"reason", reason,
		"task_created", inserted,
	)
	return RouteResult{Disposition: DispositionQueuedForReview, Reason: reason}, nil
}

func (r *Router) noteRateReject(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.RateLimitRejects.Add(ctx, 1)
	}
}

func riskOf(doc *contract.Document) store.RiskLevel {
	if doc.RiskLevel == "" {
		return store.RiskLow
	}
	return store.RiskLevel(doc.RiskLevel)
}

// actionsJSON pulls the actions array out of the raw document for the
// decisions table.
func actionsJSON(raw []byte) string {
	var body struct {
		Actions json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Actions) == 0 {
		return "[]"
	}
	return string(body.Actions)
}
