package worker_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/executor"
	"github.com/basket/autopilot/internal/store"
	"github.com/basket/autopilot/internal/worker"
)

func TestReviewTaskParksUntilVerdict(t *testing.T) {
	pool, s := newTestPool(t)
	ctx := context.Background()

	pageID, err := s.CreatePage(ctx, "blog/parked", "Title", "Desc", "Body")
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	validator, err := contract.NewValidator()
	if err != nil {
		t.Fatalf("compile contract: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(s, validator, nil, nil, logger, nil, nil, "test-worker")

	raw := fmt.Sprintf(`{
		"hash": "rev1",
		"entity_id": %d,
		"confidence": 0.9,
		"risk_level": "low",
		"actions": [{"type": "update_title", "value": "Reviewed"}]
	}`, pageID)
	if _, err := s.RecordDecision(ctx, store.Decision{
		Hash:       "rev1",
		EntityID:   pageID,
		Confidence: 0.9,
		RiskLevel:  store.RiskLow,
		Actions:    `[{"type": "update_title", "value": "Reviewed"}]`,
	}); err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if _, err := s.Enqueue(ctx, "review_decision", raw, "review:rev1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var taskID string
	inner := worker.ReviewHandler(s, exec, validator, logger)
	pool.Register("review_decision", func(ctx context.Context, task *store.Task) error {
		taskID = task.ID
		return inner(ctx, task)
	})

	// No verdict yet: the task must survive the claim, not complete.
	processed, err := pool.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !processed {
		t.Fatal("review task was not claimed")
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusPaused {
		t.Fatalf("task status = %s, want paused while decision is unreviewed", task.Status)
	}
	dec, err := s.GetDecision(ctx, "rev1")
	if err != nil || dec == nil {
		t.Fatalf("get decision: dec=%v err=%v", dec, err)
	}
	if dec.Status != store.DecisionStatusPlanned {
		t.Fatalf("decision status = %s, want planned", dec.Status)
	}
	if dead, err := s.ListDeadLetters(ctx, 10); err != nil || len(dead) != 0 {
		t.Fatalf("dead letters = %d (%v), want none", len(dead), err)
	}

	// Verdict arrives: resume carries the same task through to the apply.
	if ok, err := s.ApproveDecision(ctx, "rev1"); err != nil || !ok {
		t.Fatalf("approve decision: ok=%v err=%v", ok, err)
	}
	if ok, err := s.ResumeTask(ctx, taskID); err != nil || !ok {
		t.Fatalf("resume task: ok=%v err=%v", ok, err)
	}
	if _, err := pool.RunOnce(ctx); err != nil {
		t.Fatalf("run after approval: %v", err)
	}

	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task after apply: %v", err)
	}
	if task.Status != store.TaskStatusExecuted {
		t.Fatalf("task status = %s, want executed after approval", task.Status)
	}
	dec, err = s.GetDecision(ctx, "rev1")
	if err != nil || dec == nil {
		t.Fatalf("get decision after apply: dec=%v err=%v", dec, err)
	}
	if dec.Status != store.DecisionStatusExecuted {
		t.Fatalf("decision status = %s, want executed", dec.Status)
	}
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if page.Title != "Reviewed" {
		t.Fatalf("page title = %q, want the approved change applied", page.Title)
	}
}
