package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/autopilot/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fixedClock pins the store to a deterministic, manually advanced time.
type fixedClock struct {
	now time.Time
}

func newFixedClock(s *store.Store) *fixedClock {
	c := &fixedClock{now: time.Date(2026, 7, 2, 12, 0, 0, 0, time.UTC)}
	s.SetNowFunc(func() time.Time { return c.now })
	return c
}

func (c *fixedClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("second open against same schema: %v", err)
	}
	_ = s2.Close()
}

func TestKillSwitch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active, err := s.KillSwitchActive(ctx)
	if err != nil {
		t.Fatalf("read kill switch: %v", err)
	}
	if active {
		t.Fatal("kill switch should be inactive on a fresh database")
	}

	if err := s.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}
	active, err = s.KillSwitchActive(ctx)
	if err != nil {
		t.Fatalf("re-read kill switch: %v", err)
	}
	if !active {
		t.Fatal("kill switch should be active after set")
	}

	inserted, err := s.Enqueue(ctx, "apply_decision", "{}", "dedup-killed")
	if err != nil {
		t.Fatalf("enqueue under kill switch: %v", err)
	}
	if inserted {
		t.Fatal("enqueue must be refused while the kill switch is active")
	}
}

func TestAutonomyModePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mode, err := s.AutonomyMode(ctx, "shadow")
	if err != nil {
		t.Fatalf("read default mode: %v", err)
	}
	if mode != "shadow" {
		t.Fatalf("default mode = %q, want fallback shadow", mode)
	}

	if err := s.SetAutonomyMode(ctx, "limited"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	mode, err = s.AutonomyMode(ctx, "shadow")
	if err != nil {
		t.Fatalf("re-read mode: %v", err)
	}
	if mode != "limited" {
		t.Fatalf("mode = %q, want limited", mode)
	}

	if err := s.SetAutonomyMode(ctx, "yolo"); err == nil {
		t.Fatal("invalid mode must be rejected")
	}
}
