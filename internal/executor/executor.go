// Package executor applies approved decisions to content entities. Every
// apply runs the same guard sequence: kill switch, contract validation,
// entity mutex, snapshot capture, then the actions in order. Any guard
// failure stops the apply before the first mutation.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/autopilot/internal/audit"
	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/otel"
	"github.com/basket/autopilot/internal/shared"
	"github.com/basket/autopilot/internal/store"
)

const lockTTL = 2 * time.Minute

// Action types the executor knows how to apply. Anything else in a valid
// document is skipped as a deliberate no-op, so new decision vocabularies can
// roll out ahead of executor support without breaking existing documents.
const (
	ActionUpdateTitle    = "update_title"
	ActionUpdateMetaDesc = "update_meta_description"
	ActionUpdateContent  = "update_content"
	ActionSetAttribute   = "set_attribute"
	ActionRemoveAttr     = "remove_attribute"
)

// Executor runs guarded applies against the store.
type Executor struct {
	store     *store.Store
	validator *contract.Validator
	bus       *bus.Bus
	audit     *audit.Log
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
	workerID  string
}

// New wires an executor. bus, audit, and metrics may be nil in tests.
func New(st *store.Store, validator *contract.Validator, eventBus *bus.Bus, auditLog *audit.Log, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer, workerID string) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if workerID == "" {
		workerID = "executor"
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("autopilot")
	}
	return &Executor{
		store:     st,
		validator: validator,
		bus:       eventBus,
		audit:     auditLog,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		workerID:  workerID,
	}
}

// Result reports what a guarded apply did.
type Result struct {
	DecisionHash string
	EntityID     int64
	SnapshotID   int64
	Applied      int // actions applied
	Skipped      int // unknown action types
}

// Apply runs the guard sequence for one raw decision document and mutates the
// target entity. autonomous marks the outcome for reliability accounting.
//
// The entity lock is released unconditionally; a returned error means nothing
// was left half-locked, though actions already applied before a mid-sequence
// failure stay applied — the snapshot exists precisely for that case.
func (e *Executor) Apply(ctx context.Context, rawDecision []byte, autonomous bool) (*Result, error) {
	start := e.store.Now()

	// Guard 1: kill switch.
	killed, err := e.store.KillSwitchActive(ctx)
	if err != nil {
		return nil, err
	}
	if killed {
		e.deny(ctx, "apply", "kill_switch_active", "")
		return nil, fmt.Errorf("apply refused: kill switch is active")
	}

	// Guard 2: contract.
	doc, err := e.validator.Validate(rawDecision)
	if err != nil {
		e.deny(ctx, "apply", "contract_invalid", "")
		return nil, err
	}
	ctx = shared.WithDecisionHash(ctx, doc.Hash)

	ctx, span := otel.StartSpan(ctx, e.tracer, "executor.apply",
		otel.AttrDecisionHash.String(doc.Hash),
		otel.AttrEntityID.Int64(doc.EntityID),
	)
	defer span.End()

	// Guard 3: entity mutex. One mutation stream per entity across all
	// processes sharing the database.
	lockKey := fmt.Sprintf("entity:%d", doc.EntityID)
	locked, err := e.store.AcquireLock(ctx, lockKey, e.workerID, lockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		e.deny(ctx, "apply", "entity_locked", doc.Hash)
		return nil, fmt.Errorf("apply refused: entity %d is locked by another apply", doc.EntityID)
	}
	defer func() {
		if err := e.store.ReleaseLock(context.WithoutCancel(ctx), lockKey, e.workerID); err != nil {
			e.logger.Warn("release entity lock failed", "lock_key", lockKey, "error", err.Error())
		}
	}()

	// Guard 4: snapshot. No valid snapshot, no mutation.
	snapshotID, err := e.store.CapturePageSnapshot(ctx, doc.EntityID, "pre-apply",
		fmt.Sprintf(`{"decision":%q}`, doc.Hash))
	if err != nil {
		e.emitError(ctx, doc, 0, "snapshot_failed", err)
		return nil, fmt.Errorf("apply refused: snapshot capture: %w", err)
	}
	if snapshotID <= 0 {
		e.emitError(ctx, doc, 0, "snapshot_failed", fmt.Errorf("invalid snapshot id %d", snapshotID))
		return nil, fmt.Errorf("apply refused: snapshot capture returned id %d", snapshotID)
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicApplyBefore, bus.ApplyEvent{
			DecisionHash: doc.Hash,
			EntityID:     doc.EntityID,
			SnapshotID:   snapshotID,
			Actions:      len(doc.Actions),
		})
	}

	result := &Result{DecisionHash: doc.Hash, EntityID: doc.EntityID, SnapshotID: snapshotID}
	for i, action := range doc.Actions {
		applied, err := e.applyAction(ctx, doc.EntityID, action)
		if err != nil {
			e.emitError(ctx, doc, snapshotID, fmt.Sprintf("action %d (%s) failed", i, action.Type), err)
			e.recordOutcome(ctx, doc, store.OutcomeFailed, autonomous)
			return result, fmt.Errorf("apply aborted at action %d (%s): %w", i, action.Type, err)
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
			e.logger.Debug("skipping unknown action type",
				"decision_hash", doc.Hash, "action_type", action.Type)
		}
	}

	e.recordOutcome(ctx, doc, store.OutcomeApplied, autonomous)
	if e.metrics != nil {
		e.metrics.RecordApply(ctx, e.store.Now().Sub(start), true)
	}
	if e.audit != nil {
		e.audit.Record(ctx, "allow", "apply", "guards passed", doc.Hash)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicApplyAfter, bus.ApplyEvent{
			DecisionHash: doc.Hash,
			EntityID:     doc.EntityID,
			SnapshotID:   snapshotID,
			Actions:      result.Applied,
		})
	}
	e.logger.Info("decision applied",
		"decision_hash", doc.Hash,
		"entity_id", doc.EntityID,
		"snapshot_id", snapshotID,
		"applied", result.Applied,
		"skipped", result.Skipped,
	)
	return result, nil
}

func (e *Executor) applyAction(ctx context.Context, entityID int64, action contract.Action) (bool, error) {
	switch action.Type {
	case ActionUpdateTitle:
		return true, e.store.UpdatePageField(ctx, entityID, "title", action.Value)
	case ActionUpdateMetaDesc:
		return true, e.store.UpdatePageField(ctx, entityID, "meta_description", action.Value)
	case ActionUpdateContent:
		return true, e.store.UpdatePageField(ctx, entityID, "content", action.Value)
	case ActionSetAttribute:
		if action.Name == "" {
			return true, fmt.Errorf("set_attribute requires a name")
		}
		return true, e.store.SetPageAttribute(ctx, entityID, action.Name, action.Value)
	case ActionRemoveAttr:
		if action.Name == "" {
			return true, fmt.Errorf("remove_attribute requires a name")
		}
		return true, e.store.RemovePageAttribute(ctx, entityID, action.Name)
	default:
		return false, nil
	}
}

// Rollback restores an entity from a snapshot. Shares the entity mutex with
// Apply so a rollback can never interleave with a running apply.
func (e *Executor) Rollback(ctx context.Context, snapshotID int64) error {
	// Rollback mutates pages like any apply; the emergency stop covers it.
	killed, err := e.store.KillSwitchActive(ctx)
	if err != nil {
		return err
	}
	if killed {
		e.deny(ctx, "rollback", "kill_switch_active", fmt.Sprintf("snapshot:%d", snapshotID))
		return fmt.Errorf("rollback refused: kill switch is active")
	}

	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("rollback: snapshot %d not found", snapshotID)
	}

	lockKey := fmt.Sprintf("entity:%d", snap.EntityID)
	locked, err := e.store.AcquireLock(ctx, lockKey, e.workerID, lockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("rollback refused: entity %d is locked by another apply", snap.EntityID)
	}
	defer func() {
		if err := e.store.ReleaseLock(context.WithoutCancel(ctx), lockKey, e.workerID); err != nil {
			e.logger.Warn("release entity lock failed", "lock_key", lockKey, "error", err.Error())
		}
	}()

	if err := e.store.RestorePageSnapshot(ctx, snapshotID); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.SnapshotRestores.Add(ctx, 1)
	}
	if e.audit != nil {
		e.audit.Record(ctx, "allow", "rollback", "snapshot restored", fmt.Sprintf("snapshot:%d", snapshotID))
	}
	e.logger.Info("snapshot restored",
		"snapshot_id", snapshotID,
		"entity_id", snap.EntityID,
	)
	return nil
}

func (e *Executor) deny(ctx context.Context, action, reason, subject string) {
	if e.audit != nil {
		e.audit.Record(ctx, "deny", action, reason, subject)
	}
	if e.metrics != nil {
		e.metrics.SafetyBlocks.Add(ctx, 1)
	}
	e.logger.Warn("apply denied", "action", action, "reason", reason)
}

func (e *Executor) emitError(ctx context.Context, doc *contract.Document, snapshotID int64, reason string, err error) {
	if e.bus != nil {
		e.bus.Publish(bus.TopicApplyError, bus.ApplyErrorEvent{
			DecisionHash: doc.Hash,
			EntityID:     doc.EntityID,
			SnapshotID:   snapshotID,
			Reason:       reason,
			Err:          shared.TruncateError(err.Error(), 512),
		})
	}
	if e.metrics != nil {
		e.metrics.RecordApply(ctx, 0, false)
	}
	e.logger.Error("apply failed",
		"decision_hash", doc.Hash,
		"entity_id", doc.EntityID,
		"reason", reason,
		"error", err.Error(),
	)
}

func (e *Executor) recordOutcome(ctx context.Context, doc *contract.Document, outcome store.Outcome, autonomous bool) {
	risk := store.RiskLevel(doc.RiskLevel)
	if risk == "" {
		risk = store.RiskLow
	}
	if err := e.store.RecordOutcome(ctx, doc.Hash, doc.EntityID, outcome, risk, autonomous); err != nil {
		e.logger.Warn("record outcome failed", "decision_hash", doc.Hash, "error", err.Error())
	}
}
