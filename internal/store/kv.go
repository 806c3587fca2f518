package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	kvKillSwitch   = "kill_switch"
	kvAutonomyMode = "autonomy_mode"
)

// KVSet stores a key/value pair, overwriting any existing value.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// KVGet reads a value; missing keys return "".
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return value.String, nil
}

// KillSwitchActive reports whether the global emergency stop is set. Every
// entry point that could mutate an entity checks this first.
func (s *Store) KillSwitchActive(ctx context.Context) (bool, error) {
	v, err := s.KVGet(ctx, kvKillSwitch)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetKillSwitch flips the global emergency stop.
func (s *Store) SetKillSwitch(ctx context.Context, active bool) error {
	value := "0"
	if active {
		value = "1"
	}
	return s.KVSet(ctx, kvKillSwitch, value)
}

// AutonomyMode reads the persisted mode, falling back to the given default
// when the store has never been written.
func (s *Store) AutonomyMode(ctx context.Context, fallback string) (string, error) {
	v, err := s.KVGet(ctx, kvAutonomyMode)
	if err != nil {
		return "", err
	}
	if v == "" {
		return fallback, nil
	}
	return v, nil
}

// SetAutonomyMode persists the operator-selected mode.
func (s *Store) SetAutonomyMode(ctx context.Context, mode string) error {
	switch mode {
	case "shadow", "limited", "full":
	default:
		return fmt.Errorf("invalid autonomy mode %q", mode)
	}
	return s.KVSet(ctx, kvAutonomyMode, mode)
}
