package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/shared"
)

type BulkJobType string

const (
	BulkJobAudit    BulkJobType = "audit"
	BulkJobApply    BulkJobType = "apply"
	BulkJobRollback BulkJobType = "rollback"
)

type BulkJobStatus string

const (
	BulkJobStatusPending          BulkJobStatus = "pending"
	BulkJobStatusAwaitingApproval BulkJobStatus = "awaiting_approval"
	BulkJobStatusRunning          BulkJobStatus = "running"
	BulkJobStatusPaused           BulkJobStatus = "paused"
	BulkJobStatusCompleted        BulkJobStatus = "completed"
	BulkJobStatusFailed           BulkJobStatus = "failed"
	BulkJobStatusCancelled        BulkJobStatus = "cancelled"
)

// BulkJob is one batch operation over many entities. Jobs that mutate content
// (apply, rollback) are born awaiting approval; audits are read-only and need
// none.
type BulkJob struct {
	ID             string        `json:"id"`
	JobType        BulkJobType   `json:"job_type"`
	Filters        string        `json:"filters"`
	Status         BulkJobStatus `json:"status"`
	ApprovedBy     string        `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time    `json:"approved_at,omitempty"`
	ApprovedUntil  *time.Time    `json:"approved_until,omitempty"`
	Note           string        `json:"note,omitempty"`
	TotalItems     int64         `json:"total_items"`
	ProcessedItems int64         `json:"processed_items"`
	SuccessItems   int64         `json:"success_items"`
	FailedItems    int64         `json:"failed_items"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RequiresApproval reports whether a job type mutates content.
func (t BulkJobType) RequiresApproval() bool {
	return t == BulkJobApply || t == BulkJobRollback
}

const bulkJobColumns = `id, job_type, filters, status, COALESCE(approved_by, ''), approved_at, approved_until,
	COALESCE(note, ''), total_items, processed_items, success_items, failed_items, COALESCE(last_error, ''), created_at, updated_at`

func scanBulkJob(scanFn func(dest ...any) error, job *BulkJob) error {
	return scanFn(
		&job.ID,
		&job.JobType,
		&job.Filters,
		&job.Status,
		&job.ApprovedBy,
		&job.ApprovedAt,
		&job.ApprovedUntil,
		&job.Note,
		&job.TotalItems,
		&job.ProcessedItems,
		&job.SuccessItems,
		&job.FailedItems,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

// CreateBulkJob registers a batch job. Mutating types start in
// awaiting_approval; audits start pending and can run immediately.
func (s *Store) CreateBulkJob(ctx context.Context, jobType BulkJobType, filtersJSON string, totalItems int64, note string) (*BulkJob, error) {
	switch jobType {
	case BulkJobAudit, BulkJobApply, BulkJobRollback:
	default:
		return nil, fmt.Errorf("invalid bulk job type %q", jobType)
	}
	if filtersJSON == "" {
		filtersJSON = "{}"
	}
	if totalItems < 0 {
		totalItems = 0
	}

	status := BulkJobStatusPending
	if jobType.RequiresApproval() {
		status = BulkJobStatusAwaitingApproval
	}
	jobID := uuid.NewString()

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bulk_jobs (id, job_type, filters, status, note, total_items, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, jobID, jobType, filtersJSON, status, note, totalItems)
		if err != nil {
			return fmt.Errorf("insert bulk job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBulkJob(ctx, jobID)
}

// GetBulkJob fetches a job by id; nil when absent.
func (s *Store) GetBulkJob(ctx context.Context, jobID string) (*BulkJob, error) {
	var job BulkJob
	row := s.db.QueryRowContext(ctx, `
		SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE id = ?;
	`, jobID)
	if err := scanBulkJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select bulk job: %w", err)
	}
	return &job, nil
}

// ApproveBulkJob grants a time-boxed approval and moves the job to running.
// Only jobs awaiting approval can be approved. A non-empty note replaces the
// submission note.
func (s *Store) ApproveBulkJob(ctx context.Context, jobID, approver string, ttl time.Duration, note string) (bool, error) {
	if approver == "" {
		return false, fmt.Errorf("approval requires an approver")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("approval ttl must be positive")
	}

	now := s.Now()
	until := now.Add(ttl)
	var approved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bulk_jobs
			SET status = ?, approved_by = ?, approved_at = ?, approved_until = ?,
				note = COALESCE(NULLIF(?, ''), note), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, BulkJobStatusRunning, approver, now, until, note, jobID, BulkJobStatusAwaitingApproval)
		if err != nil {
			return fmt.Errorf("approve bulk job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("approve rows affected: %w", err)
		}
		approved = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if approved {
		s.publish(bus.TopicJobApproved, bus.JobApprovedEvent{
			JobID:      jobID,
			ApprovedBy: approver,
			Until:      until,
		})
	}
	return approved, nil
}

// RevokeBulkApproval withdraws an approval before any item has been
// processed, returning the job to awaiting_approval. A job with progress
// cannot be revoked (the partial batch would be ambiguous); cancel or pause
// it instead.
func (s *Store) RevokeBulkApproval(ctx context.Context, jobID string) (bool, error) {
	var revoked bool
	err := retryOnBusy(ctx, 5, func() error {
		revoked = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin revoke tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var job BulkJob
		row := tx.QueryRowContext(ctx, `
			SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE id = ?;
		`, jobID)
		if scanErr := scanBulkJob(row.Scan, &job); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select job for revoke: %w", scanErr)
		}
		if job.Status != BulkJobStatusRunning || !job.JobType.RequiresApproval() {
			return nil
		}
		if job.ProcessedItems > 0 {
			return fmt.Errorf("cannot revoke approval for job %s: %d items already processed", jobID, job.ProcessedItems)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE bulk_jobs
			SET status = ?, approved_by = NULL, approved_at = NULL, approved_until = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND processed_items = 0;
		`, BulkJobStatusAwaitingApproval, jobID, BulkJobStatusRunning); err != nil {
			return fmt.Errorf("revoke bulk approval: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit revoke tx: %w", err)
		}
		revoked = true
		return nil
	})
	return revoked, err
}

// StartBulkJob moves a pending job to running. Only audits pass this way;
// mutating jobs go through ApproveBulkJob.
func (s *Store) StartBulkJob(ctx context.Context, jobID string) (bool, error) {
	var started bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bulk_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND job_type = ?;
		`, BulkJobStatusRunning, jobID, BulkJobStatusPending, BulkJobAudit)
		if err != nil {
			return fmt.Errorf("start bulk job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("start rows affected: %w", err)
		}
		started = affected == 1
		return nil
	})
	return started, err
}

// BulkApprovalValid re-checks a running job's approval against the clock.
// Called before every item, not once at job start, so long jobs cannot coast
// on an approval that has since expired. Audits are always valid while
// running.
func (s *Store) BulkApprovalValid(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetBulkJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil || job.Status != BulkJobStatusRunning {
		return false, nil
	}
	if !job.JobType.RequiresApproval() {
		return true, nil
	}
	if job.ApprovedUntil == nil {
		return false, nil
	}
	return job.ApprovedUntil.After(s.Now()), nil
}

// ExpireBulkApproval handles a running job whose approval has lapsed. A job
// that never touched an item silently reverts to awaiting_approval; a job
// mid-flight pauses with its progress intact so an operator can re-approve
// and resume. Returns the status the job ended up in, or "" if nothing
// expired.
func (s *Store) ExpireBulkApproval(ctx context.Context, jobID string) (BulkJobStatus, error) {
	now := s.Now()
	var final BulkJobStatus
	err := retryOnBusy(ctx, 5, func() error {
		final = ""
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var job BulkJob
		row := tx.QueryRowContext(ctx, `
			SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE id = ?;
		`, jobID)
		if scanErr := scanBulkJob(row.Scan, &job); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select job for expiry: %w", scanErr)
		}
		if job.Status != BulkJobStatusRunning || !job.JobType.RequiresApproval() {
			return nil
		}
		if job.ApprovedUntil != nil && job.ApprovedUntil.After(now) {
			return nil
		}

		target := BulkJobStatusPaused
		if job.ProcessedItems == 0 {
			target = BulkJobStatusAwaitingApproval
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE bulk_jobs
			SET status = ?, approved_by = NULL, approved_at = NULL, approved_until = NULL,
				last_error = 'approval expired', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, target, jobID, BulkJobStatusRunning); err != nil {
			return fmt.Errorf("expire bulk approval: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit expire tx: %w", err)
		}
		final = target
		return nil
	})
	return final, err
}

// BumpBulkJob records one processed item atomically and completes the job
// when the last item lands. Returns the job's status after the bump.
func (s *Store) BumpBulkJob(ctx context.Context, jobID string, success bool, itemErr string) (BulkJobStatus, error) {
	var final BulkJobStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bump tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		errValue := sql.NullString{}
		if itemErr != "" {
			errValue.Valid = true
			errValue.String = shared.TruncateError(itemErr, 512)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE bulk_jobs
			SET processed_items = processed_items + 1,
				success_items = success_items + ?,
				failed_items = failed_items + ?,
				last_error = COALESCE(?, last_error),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, boolToInt(success), boolToInt(!success), errValue, jobID, BulkJobStatusRunning)
		if err != nil {
			return fmt.Errorf("bump bulk job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("bump rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}

		var job BulkJob
		row := tx.QueryRowContext(ctx, `
			SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE id = ?;
		`, jobID)
		if err := scanBulkJob(row.Scan, &job); err != nil {
			return fmt.Errorf("re-read bumped job: %w", err)
		}
		final = job.Status

		if job.TotalItems > 0 && job.ProcessedItems >= job.TotalItems {
			if _, err := tx.ExecContext(ctx, `
				UPDATE bulk_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, BulkJobStatusCompleted, jobID, BulkJobStatusRunning); err != nil {
				return fmt.Errorf("complete bulk job: %w", err)
			}
			final = BulkJobStatusCompleted
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit bump tx: %w", err)
			}
			s.publish(bus.TopicJobCompleted, bus.JobCompletedEvent{
				JobID:     jobID,
				Status:    string(BulkJobStatusCompleted),
				Processed: job.ProcessedItems,
				Succeeded: job.SuccessItems,
				Failed:    job.FailedItems,
			})
			return nil
		}
		return tx.Commit()
	})
	return final, err
}

// ResumeBulkJob returns a paused job to running. The approval must have been
// re-granted first for mutating types.
func (s *Store) ResumeBulkJob(ctx context.Context, jobID, approver string, ttl time.Duration) (bool, error) {
	job, err := s.GetBulkJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil || job.Status != BulkJobStatusPaused {
		return false, nil
	}

	now := s.Now()
	var resumed bool
	err = retryOnBusy(ctx, 5, func() error {
		if job.JobType.RequiresApproval() {
			if approver == "" || ttl <= 0 {
				return fmt.Errorf("resuming a %s job requires a fresh approval", job.JobType)
			}
			res, err := s.db.ExecContext(ctx, `
				UPDATE bulk_jobs
				SET status = ?, approved_by = ?, approved_at = ?, approved_until = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, BulkJobStatusRunning, approver, now, now.Add(ttl), jobID, BulkJobStatusPaused)
			if err != nil {
				return fmt.Errorf("resume bulk job: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("resume rows affected: %w", err)
			}
			resumed = affected == 1
			return nil
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE bulk_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, BulkJobStatusRunning, jobID, BulkJobStatusPaused)
		if err != nil {
			return fmt.Errorf("resume bulk job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resume rows affected: %w", err)
		}
		resumed = affected == 1
		return nil
	})
	return resumed, err
}

// CancelBulkJob cancels a job in any non-terminal status.
func (s *Store) CancelBulkJob(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bulk_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?, ?, ?);
		`, BulkJobStatusCancelled, jobID,
			BulkJobStatusPending, BulkJobStatusAwaitingApproval, BulkJobStatusRunning, BulkJobStatusPaused)
		if err != nil {
			return fmt.Errorf("cancel bulk job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel rows affected: %w", err)
		}
		cancelled = affected == 1
		return nil
	})
	return cancelled, err
}

// ListBulkJobsByStatus returns jobs in a status, oldest first, for the pump.
func (s *Store) ListBulkJobsByStatus(ctx context.Context, status BulkJobStatus, limit int) ([]BulkJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bulkJobColumns+` FROM bulk_jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query bulk jobs: %w", err)
	}
	defer rows.Close()

	var out []BulkJob
	for rows.Next() {
		var job BulkJob
		if err := scanBulkJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scan bulk job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk job rows: %w", err)
	}
	return out, nil
}

// SetBulkJobTotal fixes the item count once the filter set has been expanded.
func (s *Store) SetBulkJobTotal(ctx context.Context, jobID string, total int64) error {
	if total < 0 {
		return fmt.Errorf("total items cannot be negative")
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bulk_jobs SET total_items = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, total, jobID)
		if err != nil {
			return fmt.Errorf("set bulk job total: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("total rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
}
