package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/shared"
)

const (
	defaultMaxAttempts = 5
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 10 * time.Minute
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusExecuted  TaskStatus = "executed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
)

// Terminal statuses: executed, failed, cancelled. A dedup key is free again
// once its task reaches any of them.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
		TaskStatusPaused:    {},
		TaskStatusFailed:    {}, // Retry budget exhausted while waiting.
	},
	TaskStatusRunning: {
		TaskStatusExecuted:  {},
		TaskStatusFailed:    {},
		TaskStatusPending:   {}, // Retry reschedule or stall requeue.
		TaskStatusPaused:    {}, // Claimant parks the task to await a verdict.
		TaskStatusCancelled: {},
	},
	TaskStatusPaused: {
		TaskStatusPending:   {},
		TaskStatusCancelled: {},
	},
}

// Task is one unit of queued work. Rows are mutated only through queue
// operations; every transition lands in task_events.
type Task struct {
	ID          string     `json:"id"`
	ActionType  string     `json:"action_type"`
	Payload     string     `json:"payload"`
	Status      TaskStatus `json:"status"`
	DedupKey    string     `json:"dedup_key"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	AvailableAt time.Time  `json:"available_at"`
	Priority    int        `json:"priority"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "retried"
	FailureOutcomeDeadLetter FailureOutcome = "dead_letter"
)

// FailureDecision reports what Fail did with a task.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
}

func canTaskTransition(from, to TaskStatus) bool {
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const taskColumns = `id, action_type, payload, status, dedup_key, attempts, max_attempts,
	available_at, priority, COALESCE(last_error, ''), created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	return scanFn(
		&task.ID,
		&task.ActionType,
		&task.Payload,
		&task.Status,
		&task.DedupKey,
		&task.Attempts,
		&task.MaxAttempts,
		&task.AvailableAt,
		&task.Priority,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, '-'), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs a guarded status change: the UPDATE only succeeds
// when the row still holds the status read at the start of the transaction,
// so concurrent writers cannot double-apply a transition.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTaskTransition(current, to) {
		return false, fmt.Errorf("illegal task transition %s -> %s", current, to)
	}

	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = shared.TruncateError(*errMsg, 512)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			last_error = CASE WHEN ? THEN ? ELSE last_error END,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to, errValue.Valid, errValue.String, s.Now(), taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// Enqueue inserts a new pending task unless the kill switch is active or a
// live task with the same dedup key already exists. The UNIQUE partial index
// on dedup_key backstops the in-transaction existence check across processes.
func (s *Store) Enqueue(ctx context.Context, actionType, payload, dedupKey string) (bool, error) {
	if actionType == "" || dedupKey == "" {
		return false, fmt.Errorf("enqueue requires action_type and dedup_key")
	}
	if payload == "" {
		payload = "{}"
	}
	killed, err := s.KillSwitchActive(ctx)
	if err != nil {
		return false, err
	}
	if killed {
		return false, nil
	}

	taskID := uuid.NewString()
	inserted := false
	err = retryOnBusy(ctx, 5, func() error {
		inserted = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tasks
			WHERE dedup_key = ? AND status IN (?, ?, ?);
		`, dedupKey, TaskStatusPending, TaskStatusRunning, TaskStatusPaused).Scan(&existing); err != nil {
			return fmt.Errorf("check dedup key: %w", err)
		}
		if existing > 0 {
			return nil
		}

		now := s.Now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, action_type, payload, status, dedup_key, attempts, max_attempts, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
		`, taskID, actionType, payload, TaskStatusPending, dedupKey, defaultMaxAttempts, now, now, now); err != nil {
			if isUniqueViolation(err) {
				// Lost the race to another process; treat as duplicate.
				return nil
			}
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.enqueued", `{"reason":"enqueue"}`); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.publish(bus.TopicTaskEnqueued, bus.TaskEnqueuedEvent{
			TaskID:     taskID,
			ActionType: actionType,
			DedupKey:   dedupKey,
		})
	}
	return inserted, nil
}

// ReserveNext claims the oldest eligible pending task, transitioning it to
// running inside a single transaction. The conditional update guarantees at
// most one claimant per task; the transaction does no other work.
func (s *Store) ReserveNext(ctx context.Context) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reserve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ? AND available_at <= ?
			ORDER BY available_at ASC, created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusPending, s.Now())
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		ok, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusPending}, TaskStatusRunning,
			"task.reserved", `{"reason":"reserve_next"}`, nil)
		if err != nil {
			return fmt.Errorf("reserve task transition: %w", err)
		}
		if !ok {
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reserve tx: %w", err)
		}
		task.Status = TaskStatusRunning
		result = &task
		return nil
	})
	return result, err
}

// Complete transitions a running task to its terminal executed status.
func (s *Store) Complete(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusExecuted,
		"task.executed", `{"reason":"worker_success"}`, nil)
	if err != nil {
		return fmt.Errorf("complete task transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	return nil
}

// retryDelay computes the backoff before attempt becomes eligible again:
// exponential from 1s, capped at 10 minutes, with deterministic jitter hashed
// from the task id so retries of distinct tasks spread out.
func retryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(taskID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// Fail records a failure for a running (or rescheduled pending) task. Under
// the retry budget the task returns to pending with an exponentially later
// available_at; at the budget it dead-letters as terminal failed for operator
// inspection.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status      TaskStatus
			attempts    int
			maxAttempts int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempts, max_attempts FROM tasks WHERE id = ?;
		`, taskID).Scan(&status, &attempts, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for failure: %w", err)
		}
		if status != TaskStatusRunning && status != TaskStatusPending {
			return sql.ErrNoRows
		}
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		nextAttempt := attempts + 1
		decision = FailureDecision{Attempt: nextAttempt, MaxAttempts: maxAttempts}
		truncated := shared.TruncateError(errMsg, 512)

		if nextAttempt >= maxAttempts {
			ok, err := s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{status}, TaskStatusFailed,
				"task.dead_letter",
				fmt.Sprintf(`{"reason":"max_attempts","attempt":%d,"max_attempts":%d}`, nextAttempt, maxAttempts),
				&errMsg)
			if err != nil {
				return fmt.Errorf("dead-letter transition: %w", err)
			}
			if !ok {
				return sql.ErrNoRows
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET attempts = ?, updated_at = ?
				WHERE id = ? AND status = ?;
			`, nextAttempt, s.Now(), taskID, TaskStatusFailed); err != nil {
				return fmt.Errorf("update dead-letter attempts: %w", err)
			}
			decision.Outcome = FailureOutcomeDeadLetter
			return tx.Commit()
		}

		delay := retryDelay(taskID, nextAttempt)
		availableAt := s.Now().Add(delay)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, attempts = ?, available_at = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, TaskStatusPending, nextAttempt, availableAt, truncated, s.Now(), taskID, status)
		if err != nil {
			return fmt.Errorf("reschedule task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reschedule rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, status, TaskStatusPending,
			"task.retry_scheduled",
			fmt.Sprintf(`{"reason":"retry","attempt":%d,"max_attempts":%d,"delay_ms":%d}`, nextAttempt, maxAttempts, delay.Milliseconds())); err != nil {
			return err
		}
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &availableAt
		return tx.Commit()
	})
	return decision, err
}

// Cancel marks a pending or paused task cancelled. Cooperative: work already
// claimed keeps running until its own completion or failure.
func (s *Store) Cancel(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusPending, TaskStatusPaused}, TaskStatusCancelled,
		"task.cancelled", `{"reason":"operator_cancel"}`, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, tx.Commit()
}

// PauseTask parks a pending task so reservation skips it.
func (s *Store) PauseTask(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin pause tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusPending}, TaskStatusPaused,
		"task.paused", `{"reason":"operator_pause"}`, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, tx.Commit()
}

// ParkTask moves a claimed task to paused. Workers park a task whose outcome
// depends on a verdict that does not exist yet, so the item stays live in
// the queue instead of completing without effect. ResumeTask returns it to
// the pending pool once the verdict is in.
func (s *Store) ParkTask(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin park tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusPaused,
		"task.paused", `{"reason":"awaiting_verdict"}`, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, tx.Commit()
}

// ResumeTask returns a paused task to the pending pool.
func (s *Store) ResumeTask(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin resume tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusPaused}, TaskStatusPending,
		"task.resumed", `{"reason":"operator_resume"}`, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, tx.Commit()
}

// RequeueStalled treats tasks stuck in running beyond the staleness window as
// failures needing retry, so a crashed worker cannot orphan work permanently.
// Returns the number of tasks run through the failure path.
func (s *Store) RequeueStalled(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := s.Now().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND updated_at <= ?;
	`, TaskStatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query stalled tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan stalled task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stalled tasks: %w", err)
	}

	var requeued int64
	for _, id := range ids {
		if _, err := s.Fail(ctx, id, "stalled: running past staleness window"); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue // Finished between the scan and the failure path.
			}
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListDeadLetters returns terminally failed tasks, newest first, for operator
// inspection.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?;
	`, TaskStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}
