// Package bulk drives batch jobs over many entities. Mutating jobs run under
// a time-boxed human approval that is re-checked before every single item, so
// an approval that lapses mid-job stops the job at the next item boundary.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/autopilot/internal/audit"
	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/executor"
	"github.com/basket/autopilot/internal/store"
)

const defaultBatchSize = 25

// Filters select the entities a job covers and, for apply jobs, the actions
// to run on each.
type Filters struct {
	SlugPrefix string            `json:"slug_prefix,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Actions    []contract.Action `json:"actions,omitempty"`
}

// Runner processes bulk jobs in batches.
type Runner struct {
	store     *store.Store
	exec      *executor.Executor
	audit     *audit.Log
	logger    *slog.Logger
	batchSize int
}

func NewRunner(st *store.Store, exec *executor.Executor, auditLog *audit.Log, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     st,
		exec:      exec,
		audit:     auditLog,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// Submit creates a job from filters. The entity set is expanded up front so
// the approver knows how many items they are approving.
func (r *Runner) Submit(ctx context.Context, jobType store.BulkJobType, filters Filters, note string) (*store.BulkJob, error) {
	if jobType == store.BulkJobApply && len(filters.Actions) == 0 {
		return nil, fmt.Errorf("bulk apply needs at least one action")
	}
	ids, err := r.store.ListPageIDs(ctx, filters.SlugPrefix, filters.Limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no entities match the job filters")
	}

	raw, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("marshal filters: %w", err)
	}
	job, err := r.store.CreateBulkJob(ctx, jobType, string(raw), int64(len(ids)), note)
	if err != nil {
		return nil, err
	}
	r.logger.Info("bulk job submitted",
		"job_id", job.ID, "job_type", string(jobType), "items", len(ids))
	return job, nil
}

// Pump advances all runnable jobs by one batch each. Called on a schedule.
func (r *Runner) Pump(ctx context.Context) error {
	// Emergency stop freezes every job in place. Items are not consumed, so
	// the jobs resume exactly where they stood once the switch clears.
	killed, err := r.store.KillSwitchActive(ctx)
	if err != nil {
		return err
	}
	if killed {
		r.logger.Warn("bulk pump skipped: kill switch active")
		return nil
	}

	// Audits need no approval; start them.
	pending, err := r.store.ListBulkJobsByStatus(ctx, store.BulkJobStatusPending, 50)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if _, err := r.store.StartBulkJob(ctx, job.ID); err != nil {
			return err
		}
	}

	running, err := r.store.ListBulkJobsByStatus(ctx, store.BulkJobStatusRunning, 50)
	if err != nil {
		return err
	}
	for _, job := range running {
		if err := r.processJob(ctx, &job); err != nil {
			r.logger.Error("bulk job processing failed",
				"job_id", job.ID, "error", err.Error())
		}
	}
	return nil
}

func (r *Runner) processJob(ctx context.Context, job *store.BulkJob) error {
	var filters Filters
	if err := json.Unmarshal([]byte(job.Filters), &filters); err != nil {
		return fmt.Errorf("decode job filters: %w", err)
	}
	ids, err := r.store.ListPageIDs(ctx, filters.SlugPrefix, filters.Limit)
	if err != nil {
		return err
	}
	if int64(len(ids)) < job.ProcessedItems {
		return fmt.Errorf("entity set shrank under job %s", job.ID)
	}

	// processed_items doubles as the cursor: entities are ordered by id, so
	// the next unprocessed item is always ids[processed].
	for i := 0; i < r.batchSize; i++ {
		valid, err := r.store.BulkApprovalValid(ctx, job.ID)
		if err != nil {
			return err
		}
		if !valid {
			status, err := r.store.ExpireBulkApproval(ctx, job.ID)
			if err != nil {
				return err
			}
			if status != "" {
				if r.audit != nil {
					r.audit.Record(ctx, "deny", "bulk_item", "approval expired", job.ID)
				}
				r.logger.Warn("bulk job stopped on approval expiry",
					"job_id", job.ID, "status", string(status), "processed", job.ProcessedItems)
			}
			return nil
		}

		current, err := r.store.GetBulkJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != store.BulkJobStatusRunning {
			return nil
		}
		if current.ProcessedItems >= int64(len(ids)) {
			return nil
		}

		pageID := ids[current.ProcessedItems]
		itemErr := r.processItem(ctx, current, filters, pageID)
		errMsg := ""
		if itemErr != nil {
			errMsg = itemErr.Error()
		}
		status, err := r.store.BumpBulkJob(ctx, job.ID, itemErr == nil, errMsg)
		if err != nil {
			return err
		}
		if status != store.BulkJobStatusRunning {
			r.logger.Info("bulk job finished batch in terminal status",
				"job_id", job.ID, "status", string(status))
			return nil
		}
	}
	return nil
}

func (r *Runner) processItem(ctx context.Context, job *store.BulkJob, filters Filters, pageID int64) error {
	switch job.JobType {
	case store.BulkJobAudit:
		return r.auditItem(ctx, pageID)
	case store.BulkJobApply:
		return r.applyItem(ctx, job, filters, pageID)
	case store.BulkJobRollback:
		return r.rollbackItem(ctx, pageID)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

// auditItem checks a page's managed fields and reports problems in the log.
// Audits never mutate.
func (r *Runner) auditItem(ctx context.Context, pageID int64) error {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if page == nil {
		return fmt.Errorf("page %d vanished mid-audit", pageID)
	}
	var issues []string
	if page.Title == "" {
		issues = append(issues, "missing title")
	}
	if page.MetaDescription == "" {
		issues = append(issues, "missing meta description")
	}
	if len(page.MetaDescription) > 160 {
		issues = append(issues, "meta description over 160 chars")
	}
	if len(issues) > 0 {
		r.logger.Info("audit finding", "page_id", pageID, "slug", page.Slug, "issues", issues)
	}
	return nil
}

// applyItem runs the job's action template through the full guarded executor,
// so bulk applies get the same kill switch, snapshot, and mutex treatment as
// single applies.
func (r *Runner) applyItem(ctx context.Context, job *store.BulkJob, filters Filters, pageID int64) error {
	doc := contract.Document{
		Hash:       fmt.Sprintf("bulk:%s:%d", job.ID, pageID),
		EntityID:   pageID,
		Confidence: 1, // human-approved
		RiskLevel:  "low",
		Actions:    filters.Actions,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal bulk decision: %w", err)
	}
	_, err = r.exec.Apply(ctx, raw, false)
	return err
}

// rollbackItem restores the entity's most recent snapshot.
func (r *Runner) rollbackItem(ctx context.Context, pageID int64) error {
	snaps, err := r.store.ListSnapshots(ctx, "page", pageID, 1)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return fmt.Errorf("page %d has no snapshot to restore", pageID)
	}
	return r.exec.Rollback(ctx, snaps[0].ID)
}
