package store_test

import (
	"context"
	"testing"

	"github.com/basket/autopilot/internal/store"
)

func TestRecordDecisionIdempotentByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := store.Decision{
		Hash:       "hash-1",
		EntityID:   42,
		Score:      0.8,
		Confidence: 0.9,
		RiskLevel:  store.RiskLow,
		Actions:    `[{"type":"update_title","value":"New"}]`,
	}
	created, err := s.RecordDecision(ctx, d)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if !created {
		t.Fatal("first record should create")
	}

	// Approve, then re-record. Status must survive the refresh.
	if ok, err := s.ApproveDecision(ctx, "hash-1"); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	d.Confidence = 0.95
	created, err = s.RecordDecision(ctx, d)
	if err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if created {
		t.Fatal("re-record must not report created")
	}

	got, err := s.GetDecision(ctx, "hash-1")
	if err != nil || got == nil {
		t.Fatalf("get decision: d=%v err=%v", got, err)
	}
	if got.Status != store.DecisionStatusApproved {
		t.Fatalf("status = %s, re-record must not reset approval", got.Status)
	}
	if got.Confidence != 0.95 {
		t.Fatalf("confidence = %v, want refreshed 0.95", got.Confidence)
	}
}

func TestDecisionLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordDecision(ctx, store.Decision{Hash: "hash-2", EntityID: 7}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Executed requires approval first.
	if ok, err := s.MarkDecisionExecuted(ctx, "hash-2"); err != nil || ok {
		t.Fatalf("execute planned decision: ok=%v err=%v, want refusal", ok, err)
	}
	if ok, err := s.ApproveDecision(ctx, "hash-2"); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkDecisionExecuted(ctx, "hash-2"); err != nil || !ok {
		t.Fatalf("execute approved decision: ok=%v err=%v", ok, err)
	}
	// Terminal.
	if ok, err := s.ApproveDecision(ctx, "hash-2"); err != nil || ok {
		t.Fatalf("approve executed decision: ok=%v err=%v, want refusal", ok, err)
	}

	// Rejection path.
	if _, err := s.RecordDecision(ctx, store.Decision{Hash: "hash-3", EntityID: 8}); err != nil {
		t.Fatalf("record second: %v", err)
	}
	if ok, err := s.RejectDecision(ctx, "hash-3"); err != nil || !ok {
		t.Fatalf("reject: ok=%v err=%v", ok, err)
	}

	// Unknown transitions are rejected before touching the database.
	if _, err := s.TransitionDecision(ctx, "hash-3", store.DecisionStatusRejected, store.DecisionStatusApproved); err == nil {
		t.Fatal("rejected -> approved must be an illegal transition")
	}
}

func TestRecordDecisionValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordDecision(ctx, store.Decision{}); err == nil {
		t.Fatal("missing hash must be rejected")
	}
	if _, err := s.RecordDecision(ctx, store.Decision{Hash: "h", RiskLevel: "extreme"}); err == nil {
		t.Fatal("unknown risk level must be rejected")
	}
}
