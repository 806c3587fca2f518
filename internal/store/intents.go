package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/autopilot/internal/shared"
)

type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusRunning   IntentStatus = "running"
	IntentStatusCompleted IntentStatus = "completed"
	IntentStatusFailed    IntentStatus = "failed"
)

// Intent is the execution record tying a decision to at most one mutation
// attempt stream. The UNIQUE constraint on decision_id is the invariant that
// a decision can never spawn a second concurrent execution.
type Intent struct {
	ID           string       `json:"id"`
	DecisionID   string       `json:"decision_id"`
	IntentType   string       `json:"intent_type"`
	Status       IntentStatus `json:"status"`
	Payload      string       `json:"payload"`
	ClaimedBy    string       `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time   `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

const intentColumns = `id, decision_id, intent_type, status, payload,
	COALESCE(claimed_by, ''), claimed_at, completed_at, COALESCE(error_message, ''), created_at, updated_at`

func scanIntent(scanFn func(dest ...any) error, it *Intent) error {
	return scanFn(
		&it.ID,
		&it.DecisionID,
		&it.IntentType,
		&it.Status,
		&it.Payload,
		&it.ClaimedBy,
		&it.ClaimedAt,
		&it.CompletedAt,
		&it.ErrorMessage,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
}

// CreateIntent registers an execution intent for a decision. Idempotent: the
// second and later calls for the same decision return the existing intent
// with created=false, regardless of the intent's current status.
func (s *Store) CreateIntent(ctx context.Context, decisionID, intentType, payload string) (*Intent, bool, error) {
	if decisionID == "" || intentType == "" {
		return nil, false, fmt.Errorf("create intent requires decision_id and intent_type")
	}
	if payload == "" {
		payload = "{}"
	}

	var (
		result  *Intent
		created bool
	)
	err := retryOnBusy(ctx, 5, func() error {
		result, created = nil, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin intent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing Intent
		row := tx.QueryRowContext(ctx, `
			SELECT `+intentColumns+` FROM intents WHERE decision_id = ?;
		`, decisionID)
		scanErr := scanIntent(row.Scan, &existing)
		if scanErr == nil {
			result = &existing
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("select intent by decision: %w", scanErr)
		}

		intentID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO intents (id, decision_id, intent_type, status, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, intentID, decisionID, intentType, IntentStatusPending, payload); err != nil {
			if isUniqueViolation(err) {
				// Lost the race: re-read the winner.
				row := tx.QueryRowContext(ctx, `
					SELECT `+intentColumns+` FROM intents WHERE decision_id = ?;
				`, decisionID)
				if err := scanIntent(row.Scan, &existing); err != nil {
					return fmt.Errorf("re-read intent after conflict: %w", err)
				}
				result = &existing
				return nil
			}
			return fmt.Errorf("insert intent: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit intent tx: %w", err)
		}
		created = true
		result = &Intent{
			ID:         intentID,
			DecisionID: decisionID,
			IntentType: intentType,
			Status:     IntentStatusPending,
			Payload:    payload,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// ClaimNextIntent reserves the oldest pending intent of the given type for a
// worker via a conditional update. Returns nil when nothing is pending.
func (s *Store) ClaimNextIntent(ctx context.Context, workerID, intentType string) (*Intent, error) {
	if workerID == "" || intentType == "" {
		return nil, fmt.Errorf("claim requires a worker id and intent type")
	}

	var result *Intent
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var it Intent
		row := tx.QueryRowContext(ctx, `
			SELECT `+intentColumns+` FROM intents
			WHERE status = ? AND intent_type = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, IntentStatusPending, intentType)
		if scanErr := scanIntent(row.Scan, &it); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select pending intent: %w", scanErr)
		}

		now := s.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE intents
			SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, IntentStatusRunning, workerID, now, it.ID, IntentStatusPending)
		if err != nil {
			return fmt.Errorf("claim intent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		it.Status = IntentStatusRunning
		it.ClaimedBy = workerID
		it.ClaimedAt = &now
		result = &it
		return nil
	})
	return result, err
}

// ClaimIntent reserves a specific pending intent for a worker. Returns false
// when the intent is missing or no longer pending. The router claims the
// intent it just created this way, so it never holds another decision's
// intent by accident.
func (s *Store) ClaimIntent(ctx context.Context, intentID, workerID string) (bool, error) {
	if intentID == "" || workerID == "" {
		return false, fmt.Errorf("claim requires an intent id and worker id")
	}
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intents
			SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, IntentStatusRunning, workerID, s.Now(), intentID, IntentStatusPending)
		if err != nil {
			return fmt.Errorf("claim intent %s: %w", intentID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = affected == 1
		return nil
	})
	return claimed, err
}

// CompleteIntent finishes a running intent. Only the claimant may complete it.
func (s *Store) CompleteIntent(ctx context.Context, intentID, workerID string) error {
	return s.finishIntent(ctx, intentID, workerID, IntentStatusCompleted, "")
}

// FailIntent marks a running intent failed with a truncated error message.
// Only the claimant may fail it.
func (s *Store) FailIntent(ctx context.Context, intentID, workerID, errMsg string) error {
	return s.finishIntent(ctx, intentID, workerID, IntentStatusFailed, errMsg)
}

func (s *Store) finishIntent(ctx context.Context, intentID, workerID string, to IntentStatus, errMsg string) error {
	errValue := sql.NullString{}
	if errMsg != "" {
		errValue.Valid = true
		errValue.String = shared.TruncateError(errMsg, 512)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intents
			SET status = ?, completed_at = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_by = ?;
		`, to, s.Now(), errValue, intentID, IntentStatusRunning, workerID)
		if err != nil {
			return fmt.Errorf("finish intent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// RequeueStalledIntents returns intents claimed longer ago than window to
// pending, clearing the claim. The previous claimant's CompleteIntent or
// FailIntent will then miss its guard instead of finalizing stale work.
func (s *Store) RequeueStalledIntents(ctx context.Context, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("stall window must be positive")
	}
	cutoff := s.Now().Add(-window)

	var requeued int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intents
			SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status = ? AND claimed_at <= ?;
		`, IntentStatusPending, IntentStatusRunning, cutoff)
		if err != nil {
			return fmt.Errorf("requeue stalled intents: %w", err)
		}
		requeued, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue rows affected: %w", err)
		}
		return nil
	})
	return requeued, err
}

// GetIntentByDecision fetches the intent for a decision; nil when absent.
func (s *Store) GetIntentByDecision(ctx context.Context, decisionID string) (*Intent, error) {
	var it Intent
	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM intents WHERE decision_id = ?;
	`, decisionID)
	if err := scanIntent(row.Scan, &it); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select intent: %w", err)
	}
	return &it, nil
}
