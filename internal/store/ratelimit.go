package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IncrementRateCounter bumps a named counter if it is under the limit,
// returning whether the caller may proceed. Counters live in the database so
// the limit holds across processes; expired buckets are reset in place.
// The check and the increment happen in one transaction.
func (s *Store) IncrementRateCounter(ctx context.Context, bucketKey string, limit int, ttl time.Duration) (bool, error) {
	if bucketKey == "" {
		return false, fmt.Errorf("rate counter requires a bucket key")
	}
	if limit <= 0 {
		return false, nil
	}

	now := s.Now()
	var allowed bool
	err := retryOnBusy(ctx, 5, func() error {
		allowed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			count     int
			expiresAt time.Time
		)
		err = tx.QueryRowContext(ctx, `
			SELECT count, expires_at FROM rate_counters WHERE bucket_key = ?;
		`, bucketKey).Scan(&count, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			count, expiresAt = 0, now
		case err != nil:
			return fmt.Errorf("select rate counter: %w", err)
		}

		if !expiresAt.After(now) {
			// Fresh window.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rate_counters (bucket_key, count, expires_at)
				VALUES (?, 1, ?)
				ON CONFLICT(bucket_key) DO UPDATE SET count = 1, expires_at = excluded.expires_at;
			`, bucketKey, now.Add(ttl)); err != nil {
				return fmt.Errorf("reset rate counter: %w", err)
			}
			allowed = true
			return tx.Commit()
		}

		if count >= limit {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE rate_counters SET count = count + 1 WHERE bucket_key = ?;
		`, bucketKey); err != nil {
			return fmt.Errorf("increment rate counter: %w", err)
		}
		allowed = true
		return tx.Commit()
	})
	return allowed, err
}

// PruneRateCounters drops expired buckets. Scheduled housekeeping; limits are
// enforced on read, so pruning is only hygiene.
func (s *Store) PruneRateCounters(ctx context.Context) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM rate_counters WHERE expires_at <= ?;
		`, s.Now())
		if err != nil {
			return fmt.Errorf("prune rate counters: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}
