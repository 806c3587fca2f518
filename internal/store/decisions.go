package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/autopilot/internal/bus"
)

type DecisionStatus string

const (
	DecisionStatusPlanned   DecisionStatus = "planned"
	DecisionStatusApproved  DecisionStatus = "approved"
	DecisionStatusRejected  DecisionStatus = "rejected"
	DecisionStatusCancelled DecisionStatus = "cancelled"
	DecisionStatusExecuted  DecisionStatus = "executed"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Decision is one proposed content change, keyed by its content hash so the
// same proposal recorded twice collapses into one row.
type Decision struct {
	Hash       string         `json:"hash"`
	EntityID   int64          `json:"entity_id"`
	Score      float64        `json:"score"`
	Status     DecisionStatus `json:"status"`
	Confidence float64        `json:"confidence"`
	RiskLevel  RiskLevel      `json:"risk_level"`
	Actions    string         `json:"actions"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

var allowedDecisionTransitions = map[DecisionStatus]map[DecisionStatus]struct{}{
	DecisionStatusPlanned: {
		DecisionStatusApproved:  {},
		DecisionStatusRejected:  {},
		DecisionStatusCancelled: {},
	},
	DecisionStatusApproved: {
		DecisionStatusExecuted:  {},
		DecisionStatusCancelled: {},
	},
}

func ValidRiskLevel(level RiskLevel) bool {
	switch level {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// RecordDecision upserts a planned decision by hash. Re-recording an existing
// hash refreshes score and confidence only; status is owned by the approval
// flow and never reset by a re-record.
func (s *Store) RecordDecision(ctx context.Context, d Decision) (bool, error) {
	if d.Hash == "" {
		return false, fmt.Errorf("decision hash is required")
	}
	if d.Actions == "" {
		d.Actions = "[]"
	}
	if d.RiskLevel == "" {
		d.RiskLevel = RiskLow
	}
	if !ValidRiskLevel(d.RiskLevel) {
		return false, fmt.Errorf("invalid risk level %q", d.RiskLevel)
	}

	created := false
	err := retryOnBusy(ctx, 5, func() error {
		created = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin decision tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM decisions WHERE hash = ?;
		`, d.Hash).Scan(&exists); err != nil {
			return fmt.Errorf("check decision hash: %w", err)
		}
		if exists > 0 {
			// Status is owned by the approval flow; only refresh scoring.
			if _, err := tx.ExecContext(ctx, `
				UPDATE decisions SET score = ?, confidence = ?, updated_at = CURRENT_TIMESTAMP
				WHERE hash = ?;
			`, d.Score, d.Confidence, d.Hash); err != nil {
				return fmt.Errorf("refresh decision: %w", err)
			}
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO decisions (hash, entity_id, score, status, confidence, risk_level, actions, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, d.Hash, d.EntityID, d.Score, DecisionStatusPlanned, d.Confidence, d.RiskLevel, d.Actions); err != nil {
			if isUniqueViolation(err) {
				return nil
			}
			return fmt.Errorf("insert decision: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit decision tx: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		s.publish(bus.TopicDecisionCreated, bus.DecisionCreatedEvent{
			Hash:       d.Hash,
			EntityID:   d.EntityID,
			Score:      d.Score,
			Confidence: d.Confidence,
			RiskLevel:  string(d.RiskLevel),
		})
	}
	return created, nil
}

// GetDecision fetches a decision by hash; nil when absent.
func (s *Store) GetDecision(ctx context.Context, hash string) (*Decision, error) {
	var d Decision
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, entity_id, score, status, confidence, risk_level, actions, created_at, updated_at
		FROM decisions WHERE hash = ?;
	`, hash).Scan(&d.Hash, &d.EntityID, &d.Score, &d.Status, &d.Confidence, &d.RiskLevel, &d.Actions, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select decision: %w", err)
	}
	return &d, nil
}

// TransitionDecision moves a decision along its lifecycle with a conditional
// update; returns false when the row is absent or not in the expected status.
func (s *Store) TransitionDecision(ctx context.Context, hash string, from, to DecisionStatus) (bool, error) {
	next, ok := allowedDecisionTransitions[from]
	if ok {
		_, ok = next[to]
	}
	if !ok {
		return false, fmt.Errorf("illegal decision transition %s -> %s", from, to)
	}

	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE decisions SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE hash = ? AND status = ?;
		`, to, hash, from)
		if err != nil {
			return fmt.Errorf("update decision status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decision rows affected: %w", err)
		}
		moved = affected == 1
		return nil
	})
	return moved, err
}

// ApproveDecision approves a planned decision.
func (s *Store) ApproveDecision(ctx context.Context, hash string) (bool, error) {
	return s.TransitionDecision(ctx, hash, DecisionStatusPlanned, DecisionStatusApproved)
}

// RejectDecision rejects a planned decision.
func (s *Store) RejectDecision(ctx context.Context, hash string) (bool, error) {
	return s.TransitionDecision(ctx, hash, DecisionStatusPlanned, DecisionStatusRejected)
}

// MarkDecisionExecuted closes out an approved decision after a successful
// apply.
func (s *Store) MarkDecisionExecuted(ctx context.Context, hash string) (bool, error) {
	return s.TransitionDecision(ctx, hash, DecisionStatusApproved, DecisionStatusExecuted)
}

// ListDecisionsByStatus returns decisions in a status, newest first.
func (s *Store) ListDecisionsByStatus(ctx context.Context, status DecisionStatus, limit int) ([]Decision, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, entity_id, score, status, confidence, risk_level, actions, created_at, updated_at
		FROM decisions
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.Hash, &d.EntityID, &d.Score, &d.Status, &d.Confidence, &d.RiskLevel, &d.Actions, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("decision rows: %w", err)
	}
	return out, nil
}
