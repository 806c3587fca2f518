package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/autopilot/internal/store"
)

func TestBulkJobApprovalGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateBulkJob(ctx, store.BulkJobApply, `{"slug_prefix":"blog/"}`, 3, "seo refresh")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != store.BulkJobStatusAwaitingApproval {
		t.Fatalf("apply job status = %s, want awaiting_approval", job.Status)
	}

	// Not approved yet: no item may run.
	valid, err := s.BulkApprovalValid(ctx, job.ID)
	if err != nil {
		t.Fatalf("approval check: %v", err)
	}
	if valid {
		t.Fatal("unapproved job must not be valid to run")
	}

	ok, err := s.ApproveBulkJob(ctx, job.ID, "alice", 48*time.Hour, "")
	if err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	valid, err = s.BulkApprovalValid(ctx, job.ID)
	if err != nil || !valid {
		t.Fatalf("approval check after approve: valid=%v err=%v", valid, err)
	}

	// A second approval of a running job is refused.
	if ok, err := s.ApproveBulkJob(ctx, job.ID, "bob", time.Hour, ""); err != nil || ok {
		t.Fatalf("re-approve running job: ok=%v err=%v, want refusal", ok, err)
	}
}

func TestRevokeApprovalOnlyBeforeProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateBulkJob(ctx, store.BulkJobApply, "{}", 2, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if ok, err := s.ApproveBulkJob(ctx, job.ID, "alice", time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}

	// Untouched job: revoke returns it to awaiting_approval with the grant
	// cleared.
	ok, err := s.RevokeBulkApproval(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetBulkJob(ctx, job.ID)
	if got.Status != store.BulkJobStatusAwaitingApproval {
		t.Fatalf("status after revoke = %s, want awaiting_approval", got.Status)
	}
	if got.ApprovedBy != "" || got.ApprovedUntil != nil {
		t.Fatalf("approval fields survived revoke: %+v", got)
	}

	// Once an item has been processed the approval can no longer be revoked.
	if ok, err := s.ApproveBulkJob(ctx, job.ID, "alice", time.Hour, ""); err != nil || !ok {
		t.Fatalf("re-approve: ok=%v err=%v", ok, err)
	}
	if _, err := s.BumpBulkJob(ctx, job.ID, true, ""); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if _, err := s.RevokeBulkApproval(ctx, job.ID); err == nil {
		t.Fatal("revoke after progress must fail")
	}
}

func TestAuditJobsNeedNoApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateBulkJob(ctx, store.BulkJobAudit, "{}", 1, "")
	if err != nil {
		t.Fatalf("create audit job: %v", err)
	}
	if job.Status != store.BulkJobStatusPending {
		t.Fatalf("audit job status = %s, want pending", job.Status)
	}
	if ok, err := s.StartBulkJob(ctx, job.ID); err != nil || !ok {
		t.Fatalf("start audit: ok=%v err=%v", ok, err)
	}
	valid, err := s.BulkApprovalValid(ctx, job.ID)
	if err != nil || !valid {
		t.Fatalf("running audit validity: valid=%v err=%v", valid, err)
	}
}

func TestApprovalExpiryBeforeFirstItem(t *testing.T) {
	s := newTestStore(t)
	clock := newFixedClock(s)
	ctx := context.Background()

	job, err := s.CreateBulkJob(ctx, store.BulkJobApply, "{}", 5, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if ok, err := s.ApproveBulkJob(ctx, job.ID, "alice", 48*time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}

	clock.advance(49 * time.Hour)
	valid, err := s.BulkApprovalValid(ctx, job.ID)
	if err != nil {
		t.Fatalf("approval check: %v", err)
	}
	if valid {
		t.Fatal("expired approval still reported valid")
	}

	// Untouched job reverts to awaiting_approval, not paused.
	status, err := s.ExpireBulkApproval(ctx, job.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if status != store.BulkJobStatusAwaitingApproval {
		t.Fatalf("expired status = %s, want awaiting_approval", status)
	}
}

func TestApprovalExpiryMidFlightPausesJob(t *testing.T) {
	s := newTestStore(t)
	clock := newFixedClock(s)
	ctx := context.Background()

	job, err := s.CreateBulkJob(ctx, store.BulkJobRollback, "{}", 5, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if ok, err := s.ApproveBulkJob(ctx, job.ID, "alice", 48*time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	if _, err := s.BumpBulkJob(ctx, job.ID, true, ""); err != nil {
		t.Fatalf("bump: %v", err)
	}

	clock.advance(49 * time.Hour)
	status, err := s.ExpireBulkApproval(ctx, job.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if status != store.BulkJobStatusPaused {
		t.Fatalf("expired status = %s, want paused with progress intact", status)
	}

	got, err := s.GetBulkJob(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("get job: job=%v err=%v", got, err)
	}
	if got.ProcessedItems != 1 {
		t.Fatalf("processed = %d, progress must survive the pause", got.ProcessedItems)
	}

	// Resume needs a fresh time-boxed approval.
	if _, err := s.ResumeBulkJob(ctx, job.ID, "", 0); err == nil {
		t.Fatal("resume without approval must fail for mutating jobs")
	}
	if ok, err := s.ResumeBulkJob(ctx, job.ID, "alice", 24*time.Hour); err != nil || !ok {
		t.Fatalf("resume with approval: ok=%v err=%v", ok, err)
	}
}

func TestBumpCompletesJobOnLastItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateBulkJob(ctx, store.BulkJobApply, "{}", 2, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if ok, err := s.ApproveBulkJob(ctx, job.ID, "alice", time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}

	status, err := s.BumpBulkJob(ctx, job.ID, true, "")
	if err != nil {
		t.Fatalf("first bump: %v", err)
	}
	if status != store.BulkJobStatusRunning {
		t.Fatalf("status after first bump = %s, want running", status)
	}

	status, err = s.BumpBulkJob(ctx, job.ID, false, "item 2 broke")
	if err != nil {
		t.Fatalf("second bump: %v", err)
	}
	if status != store.BulkJobStatusCompleted {
		t.Fatalf("status after final bump = %s, want completed", status)
	}

	got, err := s.GetBulkJob(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("get job: job=%v err=%v", got, err)
	}
	if got.SuccessItems != 1 || got.FailedItems != 1 || got.ProcessedItems != 2 {
		t.Fatalf("counters = %d/%d/%d, want 1 success, 1 failed, 2 processed",
			got.SuccessItems, got.FailedItems, got.ProcessedItems)
	}
	if got.LastError != "item 2 broke" {
		t.Fatalf("last_error = %q, want recorded item failure", got.LastError)
	}

	// Terminal: further bumps are rejected.
	if _, err := s.BumpBulkJob(ctx, job.ID, true, ""); err == nil {
		t.Fatal("bump of completed job must fail")
	}
}

func TestCancelBulkJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateBulkJob(ctx, store.BulkJobApply, "{}", 1, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if ok, err := s.CancelBulkJob(ctx, job.ID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if ok, err := s.CancelBulkJob(ctx, job.ID); err != nil || ok {
		t.Fatalf("cancel of cancelled job: ok=%v err=%v, want refusal", ok, err)
	}
}
