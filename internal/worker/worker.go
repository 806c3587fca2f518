// Package worker drains the durable task queue. Workers claim tasks through
// the store's conditional update, dispatch on action type, and report every
// outcome back so the retry and dead-letter machinery can do its job.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/autopilot/internal/otel"
	"github.com/basket/autopilot/internal/shared"
	"github.com/basket/autopilot/internal/store"
)

const defaultPollInterval = 500 * time.Millisecond

// Handler processes one claimed task. A nil return completes the task; an
// error sends it through retry, and eventually dead-letter; ErrParked leaves
// the task paused for a later resume.
type Handler func(ctx context.Context, task *store.Task) error

// ErrParked is returned by a handler that has moved its task to paused. The
// claim loop then neither completes nor fails the task.
var ErrParked = errors.New("task parked awaiting verdict")

// Pool runs N claim loops over the shared queue.
type Pool struct {
	store    *store.Store
	logger   *slog.Logger
	metrics  *otel.Metrics
	count    int
	interval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	wg   sync.WaitGroup
	stop context.CancelFunc
}

func NewPool(st *store.Store, logger *slog.Logger, metrics *otel.Metrics, count int) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if count <= 0 {
		count = 2
	}
	return &Pool{
		store:    st,
		logger:   logger,
		metrics:  metrics,
		count:    count,
		interval: defaultPollInterval,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an action type. Must happen before Start.
func (p *Pool) Register(actionType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[actionType] = h
}

func (p *Pool) handler(actionType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[actionType]
	return h, ok
}

// Start launches the claim loops. Stop with the returned context's cancel or
// by calling Shutdown.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.stop = context.WithCancel(ctx)
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(shared.WithWorkerID(ctx, workerID), workerID)
		}()
	}
}

// Shutdown stops the loops and waits for in-flight tasks to finish.
func (p *Pool) Shutdown() {
	if p.stop != nil {
		p.stop()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain everything eligible, then sleep until the next tick.
		for {
			if ctx.Err() != nil {
				return
			}
			processed, err := p.RunOnce(ctx)
			if err != nil {
				p.logger.Error("task processing error", "worker_id", workerID, "error", err.Error())
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one task. Returns whether a task was
// claimed. Exposed so tests and the scheduler can drive the queue without
// the polling loops.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.store.ReserveNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	taskCtx := shared.WithTaskID(ctx, task.ID)
	h, ok := p.handler(task.ActionType)
	if !ok {
		p.reportFailure(taskCtx, task, fmt.Errorf("no handler for action type %q", task.ActionType))
		return true, nil
	}

	if err := h(taskCtx, task); err != nil {
		if errors.Is(err, ErrParked) {
			p.logger.Info("task parked", "task_id", task.ID, "action_type", task.ActionType)
			return true, nil
		}
		p.reportFailure(taskCtx, task, err)
		return true, nil
	}

	if err := p.store.Complete(taskCtx, task.ID); err != nil {
		// Stall recovery may have requeued the task under us; the next
		// claimant redoes the work, which handlers must tolerate.
		if errors.Is(err, sql.ErrNoRows) {
			p.logger.Warn("task changed state during execution", "task_id", task.ID)
			return true, nil
		}
		return true, err
	}
	p.logger.Info("task executed",
		"task_id", task.ID, "action_type", task.ActionType, "attempts", task.Attempts)
	return true, nil
}

func (p *Pool) reportFailure(ctx context.Context, task *store.Task, cause error) {
	decision, err := p.store.Fail(ctx, task.ID, cause.Error())
	if err != nil {
		p.logger.Error("record task failure", "task_id", task.ID, "error", err.Error())
		return
	}
	if decision.Outcome == store.FailureOutcomeDeadLetter {
		if p.metrics != nil {
			p.metrics.TasksDeadLetter.Add(ctx, 1)
		}
		p.logger.Error("task dead-lettered",
			"task_id", task.ID,
			"action_type", task.ActionType,
			"attempts", decision.Attempt,
			"error", shared.TruncateError(cause.Error(), 512),
		)
		return
	}
	p.logger.Warn("task failed, retry scheduled",
		"task_id", task.ID,
		"attempt", decision.Attempt,
		"max_attempts", decision.MaxAttempts,
		"backoff_until", decision.BackoffUntil,
		"error", shared.TruncateError(cause.Error(), 512),
	)
}
