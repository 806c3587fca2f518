package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLock takes a named mutex for owner with an expiry. A live lock held
// by someone else blocks acquisition; an expired lock is taken over in the
// same transaction. Re-acquiring a lock you already own extends it.
func (s *Store) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	if lockKey == "" || owner == "" {
		return false, fmt.Errorf("lock acquisition requires key and owner")
	}

	now := s.Now()
	expiresAt := now.Add(ttl)
	var acquired bool
	err := retryOnBusy(ctx, 5, func() error {
		acquired = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin lock tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			currentOwner string
			currentExp   time.Time
		)
		err = tx.QueryRowContext(ctx, `
			SELECT owner, expires_at FROM apply_locks WHERE lock_key = ?;
		`, lockKey).Scan(&currentOwner, &currentExp)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO apply_locks (lock_key, owner, expires_at) VALUES (?, ?, ?);
			`, lockKey, owner, expiresAt); err != nil {
				if isUniqueViolation(err) {
					return nil
				}
				return fmt.Errorf("insert lock: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit lock tx: %w", err)
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("select lock: %w", err)
		}

		if currentOwner != owner && currentExp.After(now) {
			return nil // Held by someone else and not yet expired.
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE apply_locks SET owner = ?, expires_at = ?
			WHERE lock_key = ? AND (owner = ? OR expires_at <= ?);
		`, owner, expiresAt, lockKey, currentOwner, now)
		if err != nil {
			return fmt.Errorf("take over lock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lock rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit lock takeover: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLock drops a lock if the caller still owns it. Releasing a lock that
// expired and was taken over is a no-op, never an error: release must always
// be safe to call from a defer.
func (s *Store) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM apply_locks WHERE lock_key = ? AND owner = ?;
		`, lockKey, owner)
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	})
}
