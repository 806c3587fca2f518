package bulk_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/autopilot/internal/bulk"
	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/executor"
	"github.com/basket/autopilot/internal/store"
)

type bulkFixture struct {
	runner *bulk.Runner
	store  *store.Store
	clock  *fixedClock
}

type fixedClock struct {
	now time.Time
}

func newBulkFixture(t *testing.T) *bulkFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clock := &fixedClock{now: time.Date(2026, 7, 2, 12, 0, 0, 0, time.UTC)}
	s.SetNowFunc(func() time.Time { return clock.now })

	validator, err := contract.NewValidator()
	if err != nil {
		t.Fatalf("compile contract: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(s, validator, nil, nil, logger, nil, nil, "bulk-worker")
	return &bulkFixture{
		runner: bulk.NewRunner(s, exec, nil, logger),
		store:  s,
		clock:  clock,
	}
}

func (f *bulkFixture) pages(t *testing.T, prefix string, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.store.CreatePage(context.Background(),
			fmt.Sprintf("%s/page-%02d", prefix, i), "Title", "Desc", "Body")
		if err != nil {
			t.Fatalf("create page %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func titleActions(value string) []contract.Action {
	return []contract.Action{{Type: "update_title", Value: value}}
}

func TestBulkApplyRunsToCompletion(t *testing.T) {
	f := newBulkFixture(t)
	ctx := context.Background()
	ids := f.pages(t, "blog", 3)

	job, err := f.runner.Submit(ctx, store.BulkJobApply,
		bulk.Filters{SlugPrefix: "blog/", Actions: titleActions("Bulk Title")}, "title sweep")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != store.BulkJobStatusAwaitingApproval || job.TotalItems != 3 {
		t.Fatalf("job = %+v, want awaiting_approval with 3 items", job)
	}

	// Without approval the pump must not touch anything.
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("pump: %v", err)
	}
	page, _ := f.store.GetPage(ctx, ids[0])
	if page.Title != "Title" {
		t.Fatal("unapproved job mutated a page")
	}

	if ok, err := f.store.ApproveBulkJob(ctx, job.ID, "alice", 48*time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("pump after approval: %v", err)
	}

	final, err := f.store.GetBulkJob(ctx, job.ID)
	if err != nil || final == nil {
		t.Fatalf("get job: job=%v err=%v", final, err)
	}
	if final.Status != store.BulkJobStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.SuccessItems != 3 || final.FailedItems != 0 {
		t.Fatalf("counters = %d/%d, want 3 successes", final.SuccessItems, final.FailedItems)
	}
	for _, id := range ids {
		p, _ := f.store.GetPage(ctx, id)
		if p.Title != "Bulk Title" {
			t.Fatalf("page %d title = %q", id, p.Title)
		}
	}
	// Every item went through the guarded path: one snapshot each.
	for _, id := range ids {
		snaps, _ := f.store.ListSnapshots(ctx, "page", id, 10)
		if len(snaps) != 1 {
			t.Fatalf("page %d has %d snapshots, want 1", id, len(snaps))
		}
	}
}

func TestApprovalExpiryStopsJobAtItemBoundary(t *testing.T) {
	f := newBulkFixture(t)
	ctx := context.Background()
	f.pages(t, "blog", 3)

	job, err := f.runner.Submit(ctx, store.BulkJobApply,
		bulk.Filters{SlugPrefix: "blog/", Actions: titleActions("X")}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok, err := f.store.ApproveBulkJob(ctx, job.ID, "alice", time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	// First item lands inside the approval window.
	if _, err := f.store.BumpBulkJob(ctx, job.ID, true, ""); err != nil {
		t.Fatalf("bump: %v", err)
	}

	f.clock.advance(2 * time.Hour)
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("pump: %v", err)
	}

	final, err := f.store.GetBulkJob(ctx, job.ID)
	if err != nil || final == nil {
		t.Fatalf("get job: job=%v err=%v", final, err)
	}
	if final.Status != store.BulkJobStatusPaused {
		t.Fatalf("status = %s, want paused on expiry mid-flight", final.Status)
	}
	if final.ProcessedItems != 1 {
		t.Fatalf("processed = %d, want progress preserved", final.ProcessedItems)
	}
}

func TestAuditJobRunsWithoutApproval(t *testing.T) {
	f := newBulkFixture(t)
	ctx := context.Background()
	ids := f.pages(t, "docs", 2)

	job, err := f.runner.Submit(ctx, store.BulkJobAudit, bulk.Filters{SlugPrefix: "docs/"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != store.BulkJobStatusPending {
		t.Fatalf("audit status = %s, want pending", job.Status)
	}

	// One pump starts pending audits, the next processes them.
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("first pump: %v", err)
	}
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("second pump: %v", err)
	}

	final, _ := f.store.GetBulkJob(ctx, job.ID)
	if final.Status != store.BulkJobStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	// Audits never mutate.
	for _, id := range ids {
		p, _ := f.store.GetPage(ctx, id)
		if p.Title != "Title" {
			t.Fatalf("audit mutated page %d", id)
		}
	}
}

func TestRollbackJobRestoresSnapshots(t *testing.T) {
	f := newBulkFixture(t)
	ctx := context.Background()
	ids := f.pages(t, "blog", 2)

	// Mutate via an approved bulk apply, leaving one snapshot per page.
	applyJob, err := f.runner.Submit(ctx, store.BulkJobApply,
		bulk.Filters{SlugPrefix: "blog/", Actions: titleActions("Broken Title")}, "")
	if err != nil {
		t.Fatalf("submit apply: %v", err)
	}
	if ok, err := f.store.ApproveBulkJob(ctx, applyJob.ID, "alice", time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve apply: ok=%v err=%v", ok, err)
	}
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("pump apply: %v", err)
	}

	rollbackJob, err := f.runner.Submit(ctx, store.BulkJobRollback,
		bulk.Filters{SlugPrefix: "blog/"}, "undo the sweep")
	if err != nil {
		t.Fatalf("submit rollback: %v", err)
	}
	if ok, err := f.store.ApproveBulkJob(ctx, rollbackJob.ID, "alice", time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve rollback: ok=%v err=%v", ok, err)
	}
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("pump rollback: %v", err)
	}

	final, _ := f.store.GetBulkJob(ctx, rollbackJob.ID)
	if final.Status != store.BulkJobStatusCompleted {
		t.Fatalf("rollback status = %s, want completed", final.Status)
	}
	for _, id := range ids {
		p, _ := f.store.GetPage(ctx, id)
		if p.Title != "Title" {
			t.Fatalf("page %d title = %q, want restored original", id, p.Title)
		}
	}
}

func TestKillSwitchFreezesApprovedJobs(t *testing.T) {
	f := newBulkFixture(t)
	ctx := context.Background()
	ids := f.pages(t, "blog", 2)

	job, err := f.runner.Submit(ctx, store.BulkJobApply,
		bulk.Filters{SlugPrefix: "blog/", Actions: titleActions("Swept")}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok, err := f.store.ApproveBulkJob(ctx, job.ID, "alice", time.Hour, ""); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	if err := f.store.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}

	// The pump stands down entirely: no mutations, no items consumed.
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("pump under kill switch: %v", err)
	}
	frozen, _ := f.store.GetBulkJob(ctx, job.ID)
	if frozen.ProcessedItems != 0 || frozen.FailedItems != 0 {
		t.Fatalf("job = %+v, want untouched while the kill switch is active", frozen)
	}
	page, _ := f.store.GetPage(ctx, ids[0])
	if page.Title != "Title" {
		t.Fatal("kill switch active but a page was mutated")
	}

	// Clearing the switch resumes from where the job stood.
	if err := f.store.SetKillSwitch(ctx, false); err != nil {
		t.Fatalf("clear kill switch: %v", err)
	}
	if err := f.runner.Pump(ctx); err != nil {
		t.Fatalf("pump after clear: %v", err)
	}
	final, _ := f.store.GetBulkJob(ctx, job.ID)
	if final.Status != store.BulkJobStatusCompleted {
		t.Fatalf("job status = %s, want completed after resume", final.Status)
	}
}

func TestSubmitRejectsEmptySelection(t *testing.T) {
	f := newBulkFixture(t)

	if _, err := f.runner.Submit(context.Background(), store.BulkJobAudit,
		bulk.Filters{SlugPrefix: "nothing/"}, ""); err == nil {
		t.Fatal("submit with no matching entities must fail")
	}
}

func (c *fixedClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}
