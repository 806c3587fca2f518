package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/executor"
	"github.com/basket/autopilot/internal/store"
)

// ReviewHandler drains review tasks. A decision still waiting on a human
// verdict parks its task paused; the operator approves the decision and
// resumes the task, and the next claim applies it.
func ReviewHandler(st *store.Store, exec *executor.Executor, validator *contract.Validator, logger *slog.Logger) Handler {
	return func(ctx context.Context, task *store.Task) error {
		doc, err := validator.Validate([]byte(task.Payload))
		if err != nil {
			return fmt.Errorf("review payload: %w", err)
		}
		dec, err := st.GetDecision(ctx, doc.Hash)
		if err != nil {
			return err
		}
		if dec == nil {
			return fmt.Errorf("decision %s not recorded", doc.Hash)
		}
		switch dec.Status {
		case store.DecisionStatusApproved:
			if _, err := exec.Apply(ctx, []byte(task.Payload), false); err != nil {
				return err
			}
			if _, err := st.MarkDecisionExecuted(ctx, doc.Hash); err != nil {
				logger.Warn("decision executed but status update lost", "decision_hash", doc.Hash, "error", err)
			}
			return nil
		case store.DecisionStatusPlanned:
			// No verdict yet. Park the task so it stays live; resume after
			// review brings it back through here.
			parked, err := st.ParkTask(ctx, task.ID)
			if err != nil {
				return err
			}
			if !parked {
				// Requeued or cancelled under us; the next claimant,
				// if any, re-reads the verdict.
				logger.Warn("review task changed state before park", "task_id", task.ID)
			}
			return ErrParked
		default:
			// Rejected, cancelled, or already executed elsewhere.
			return nil
		}
	}
}
