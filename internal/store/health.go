package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeFailed   Outcome = "failed"
	OutcomeRejected Outcome = "rejected"
)

// Health is the single-row reliability summary the circuit breaker reads and
// writes. sample/applied/failed/high_risk cover autonomous outcomes inside
// the rolling window; the pause fields record who opened the breaker and why.
type Health struct {
	Sample      int        `json:"sample"`
	Applied     int        `json:"applied"`
	Failed      int        `json:"failed"`
	HighRisk    int        `json:"high_risk"`
	FailRate    float64    `json:"fail_rate"`
	Paused      bool       `json:"paused"`
	PauseReason string     `json:"pause_reason,omitempty"`
	PauseSource string     `json:"pause_source,omitempty"`
	PausedBy    string     `json:"paused_by,omitempty"`
	PausedSince *time.Time `json:"paused_since,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Pause sources distinguish breaker-opened pauses, which may auto-close on
// recovery, from operator pauses, which never do.
const (
	PauseSourceMonitor  = "monitor"
	PauseSourceOperator = "operator"
)

// RecordOutcome appends one action outcome for reliability accounting.
func (s *Store) RecordOutcome(ctx context.Context, decisionHash string, entityID int64, outcome Outcome, risk RiskLevel, autonomous bool) error {
	switch outcome {
	case OutcomeApplied, OutcomeFailed, OutcomeRejected:
	default:
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	if risk == "" {
		risk = RiskLow
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO action_outcomes (decision_hash, entity_id, outcome, risk_level, autonomous, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, decisionHash, entityID, outcome, risk, boolToInt(autonomous), s.Now())
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
		return nil
	})
}

// RefreshHealth recomputes the rolling-window aggregate over autonomous
// outcomes and writes it into the health row. Returns the updated health.
func (s *Store) RefreshHealth(ctx context.Context, window time.Duration) (Health, error) {
	cutoff := s.Now().Add(-window)

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin health tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var applied, failed, highRisk int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN outcome = 'applied' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN risk_level = 'high' THEN 1 ELSE 0 END), 0)
			FROM action_outcomes
			WHERE autonomous = 1 AND created_at >= ?;
		`, cutoff).Scan(&applied, &failed, &highRisk); err != nil {
			return fmt.Errorf("aggregate outcomes: %w", err)
		}

		// Rejections are refusals, not attempts: the sample that feeds the
		// fail rate is applied+failed only.
		sample := applied + failed
		failRate := 0.0
		if sample > 0 {
			failRate = float64(failed) / float64(sample)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE reliability_health
			SET sample = ?, applied = ?, failed = ?, high_risk = ?, fail_rate = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = 1;
		`, sample, applied, failed, highRisk, failRate); err != nil {
			return fmt.Errorf("write health row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit health tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return Health{}, err
	}

	// Merge in pause state so callers see one consistent view.
	full, err := s.GetHealth(ctx)
	if err != nil {
		return Health{}, err
	}
	return full, nil
}

// GetHealth reads the reliability health row.
func (s *Store) GetHealth(ctx context.Context) (Health, error) {
	var (
		h           Health
		pausedInt   int
		pauseReason sql.NullString
		pauseSource sql.NullString
		pausedBy    sql.NullString
		pausedSince sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sample, applied, failed, high_risk, fail_rate, paused,
			pause_reason, pause_source, paused_by, paused_since, updated_at
		FROM reliability_health WHERE id = 1;
	`).Scan(&h.Sample, &h.Applied, &h.Failed, &h.HighRisk, &h.FailRate,
		&pausedInt, &pauseReason, &pauseSource, &pausedBy, &pausedSince, &h.UpdatedAt)
	if err != nil {
		return Health{}, fmt.Errorf("select health row: %w", err)
	}
	h.Paused = pausedInt != 0
	h.PauseReason = pauseReason.String
	h.PauseSource = pauseSource.String
	h.PausedBy = pausedBy.String
	if pausedSince.Valid {
		since := pausedSince.Time
		h.PausedSince = &since
	}
	return h, nil
}

// SetPaused opens the breaker. Conditional on the current pause flag so a
// second opener cannot overwrite the original reason; returns false when the
// row was already paused.
func (s *Store) SetPaused(ctx context.Context, reason, source, by string) (bool, error) {
	if source != PauseSourceMonitor && source != PauseSourceOperator {
		return false, fmt.Errorf("invalid pause source %q", source)
	}
	var paused bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reliability_health
			SET paused = 1, pause_reason = ?, pause_source = ?, paused_by = ?, paused_since = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = 1 AND paused = 0;
		`, reason, source, by, s.Now())
		if err != nil {
			return fmt.Errorf("set paused: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("pause rows affected: %w", err)
		}
		paused = affected == 1
		return nil
	})
	return paused, err
}

// ClearPaused closes the breaker. When requireSource is non-empty the clear
// only applies if the pause was opened by that source, so auto-close can
// never lift an operator pause.
func (s *Store) ClearPaused(ctx context.Context, requireSource string) (bool, error) {
	var cleared bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reliability_health
			SET paused = 0, pause_reason = NULL, pause_source = NULL, paused_by = NULL, paused_since = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = 1 AND paused = 1 AND (? = '' OR pause_source = ?);
		`, requireSource, requireSource)
		if err != nil {
			return fmt.Errorf("clear paused: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resume rows affected: %w", err)
		}
		cleared = affected == 1
		return nil
	})
	return cleared, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
