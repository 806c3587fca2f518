package store_test

import (
	"context"
	"testing"
	"time"
)

func TestRateCounterEnforcesLimit(t *testing.T) {
	s := newTestStore(t)
	clock := newFixedClock(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := s.IncrementRateCounter(ctx, "auto:minute", 5, time.Minute)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("increment %d refused under the limit", i)
		}
	}
	ok, err := s.IncrementRateCounter(ctx, "auto:minute", 5, time.Minute)
	if err != nil {
		t.Fatalf("increment over limit: %v", err)
	}
	if ok {
		t.Fatal("sixth increment must be refused at limit 5")
	}

	// A different bucket is unaffected.
	ok, err = s.IncrementRateCounter(ctx, "auto:entity:42", 2, time.Hour)
	if err != nil || !ok {
		t.Fatalf("separate bucket: ok=%v err=%v", ok, err)
	}

	// The window resets once expired.
	clock.advance(61 * time.Second)
	ok, err = s.IncrementRateCounter(ctx, "auto:minute", 5, time.Minute)
	if err != nil || !ok {
		t.Fatalf("increment after expiry: ok=%v err=%v", ok, err)
	}
}

func TestPruneRateCounters(t *testing.T) {
	s := newTestStore(t)
	clock := newFixedClock(s)
	ctx := context.Background()

	if _, err := s.IncrementRateCounter(ctx, "short", 5, time.Minute); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := s.IncrementRateCounter(ctx, "long", 5, time.Hour); err != nil {
		t.Fatalf("increment: %v", err)
	}

	clock.advance(2 * time.Minute)
	pruned, err := s.PruneRateCounters(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d buckets, want just the expired one", pruned)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	clock := newFixedClock(s)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "entity:42", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "entity:42", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("contended acquire: %v", err)
	}
	if ok {
		t.Fatal("live lock granted to a second owner")
	}

	// The holder can extend its own lock.
	ok, err = s.AcquireLock(ctx, "entity:42", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-acquire by owner: ok=%v err=%v", ok, err)
	}

	// Release frees it for the next owner.
	if err := s.ReleaseLock(ctx, "entity:42", "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "entity:42", "worker-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}

	// An expired lock is taken over, guarding against a crashed holder.
	clock.advance(2 * time.Minute)
	ok, err = s.AcquireLock(ctx, "entity:42", "worker-c", time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover of expired lock: ok=%v err=%v", ok, err)
	}

	// The stale owner's deferred release must not disturb the new holder.
	if err := s.ReleaseLock(ctx, "entity:42", "worker-b"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "entity:42", "worker-d", time.Minute)
	if err != nil {
		t.Fatalf("acquire after stale release: %v", err)
	}
	if ok {
		t.Fatal("stale release freed a lock it no longer owned")
	}
}
