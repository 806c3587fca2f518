// Package schedule runs the control plane's periodic maintenance: breaker
// ticks, the stall watchdog, rate-counter pruning, and the bulk job pump.
// Jobs carry standard cron expressions; the loop fires whatever is due.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is one maintenance routine. Errors are logged, never fatal: a
// failing job runs again at its next due time.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule cronlib.Schedule
	run      JobFunc
	nextRun  time.Time
}

// Scheduler fires registered jobs when their cron schedules come due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the scheduler's dependencies.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 15 seconds if zero
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// SetNowFunc overrides the scheduler clock. Test hook.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Register adds a job under a cron expression. Returns an error only for an
// unparsable expression.
func (s *Scheduler) Register(name, cronExpr string, run JobFunc) error {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		schedule: sched,
		run:      run,
		nextRun:  sched.Next(s.now()),
	})
	return nil
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job once. Exposed so tests can drive the scheduler
// without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			j.nextRun = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if err := j.run(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", j.name, "error", err.Error())
			continue
		}
		s.logger.Debug("scheduled job ran", "job", j.name)
	}
}
