package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the control plane's metric instruments.
type Metrics struct {
	ApplyDuration    metric.Float64Histogram
	OutcomesApplied  metric.Int64Counter
	OutcomesFailed   metric.Int64Counter
	SafetyBlocks     metric.Int64Counter
	BreakerOpens     metric.Int64Counter
	TasksEnqueued    metric.Int64Counter
	TasksDeadLetter  metric.Int64Counter
	SnapshotRestores metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ApplyDuration, err = meter.Float64Histogram("autopilot.apply.duration",
		metric.WithDescription("Guarded apply duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OutcomesApplied, err = meter.Int64Counter("autopilot.outcomes.applied",
		metric.WithDescription("Decisions applied successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.OutcomesFailed, err = meter.Int64Counter("autopilot.outcomes.failed",
		metric.WithDescription("Decision applies that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.SafetyBlocks, err = meter.Int64Counter("autopilot.safety.blocks",
		metric.WithDescription("Deterministic safety refusals (kill switch, missing snapshot, open breaker)"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerOpens, err = meter.Int64Counter("autopilot.breaker.opens",
		metric.WithDescription("Reliability breaker open transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("autopilot.tasks.enqueued",
		metric.WithDescription("Tasks accepted by the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLetter, err = meter.Int64Counter("autopilot.tasks.dead_letter",
		metric.WithDescription("Tasks that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotRestores, err = meter.Int64Counter("autopilot.snapshot.restores",
		metric.WithDescription("Snapshot restore operations"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("autopilot.ratelimit.rejects",
		metric.WithDescription("Autonomous applies rejected by rate limits"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordApply records one apply attempt's duration and outcome.
func (m *Metrics) RecordApply(ctx context.Context, d time.Duration, success bool) {
	m.ApplyDuration.Record(ctx, d.Seconds())
	if success {
		m.OutcomesApplied.Add(ctx, 1)
	} else {
		m.OutcomesFailed.Add(ctx, 1)
	}
}
