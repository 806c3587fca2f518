// Package reliability watches autonomous apply outcomes and opens a circuit
// breaker when they degrade. An open breaker pauses all autonomous execution;
// assisted flows keep working.
package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/autopilot/internal/audit"
	"github.com/basket/autopilot/internal/bus"
	"github.com/basket/autopilot/internal/config"
	"github.com/basket/autopilot/internal/otel"
	"github.com/basket/autopilot/internal/store"
)

// Breaker pauses below this fraction of the configured fail-rate threshold
// before auto-closing, so health hovering at the threshold cannot flap the
// breaker open and closed on every tick.
const recoveryFraction = 0.8

type Monitor struct {
	store   *store.Store
	bus     *bus.Bus
	audit   *audit.Log
	logger  *slog.Logger
	metrics *otel.Metrics
	cfg     config.AutonomyConfig
}

func NewMonitor(st *store.Store, eventBus *bus.Bus, auditLog *audit.Log, logger *slog.Logger, metrics *otel.Metrics, cfg config.AutonomyConfig) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:   st,
		bus:     eventBus,
		audit:   auditLog,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// SetConfig swaps thresholds after a config reload.
func (m *Monitor) SetConfig(cfg config.AutonomyConfig) {
	m.cfg = cfg
}

// Allowed reports whether autonomous execution may proceed right now.
func (m *Monitor) Allowed(ctx context.Context) (bool, error) {
	health, err := m.store.GetHealth(ctx)
	if err != nil {
		return false, err
	}
	return !health.Paused, nil
}

// Tick recomputes rolling health and moves the breaker. Run periodically by
// the scheduler; safe to call concurrently because both the open and the
// close are conditional updates in the store.
func (m *Monitor) Tick(ctx context.Context) (store.Health, error) {
	window := time.Duration(m.cfg.WindowDays) * 24 * time.Hour
	health, err := m.store.RefreshHealth(ctx, window)
	if err != nil {
		return store.Health{}, err
	}

	switch {
	// Any high-risk autonomous outcome opens the breaker immediately, no
	// sample floor: the router never auto-applies high risk, so one such
	// outcome means a guard was bypassed.
	case !health.Paused && health.HighRisk > 0:
		return m.open(ctx, health, fmt.Sprintf("high_risk_outcomes: %d in window", health.HighRisk))

	// Below the sample floor the fail rate is noise; the breaker holds its
	// current state.
	case !health.Paused && health.Sample >= m.cfg.MinSample && health.FailRate >= m.cfg.MaxFailRate:
		return m.open(ctx, health, fmt.Sprintf("high_fail_rate: %.2f over %d samples", health.FailRate, health.Sample))

	case health.Paused && health.PauseSource == store.PauseSourceMonitor &&
		health.Sample >= m.cfg.MinSample && health.HighRisk == 0 &&
		health.FailRate < m.cfg.MaxFailRate*recoveryFraction:
		closed, err := m.store.ClearPaused(ctx, store.PauseSourceMonitor)
		if err != nil {
			return health, err
		}
		if closed {
			m.announceResume(ctx, "monitor", "fail rate recovered")
			health.Paused = false
			health.PauseReason = ""
			health.PauseSource = ""
		}
	}
	return health, nil
}

func (m *Monitor) open(ctx context.Context, health store.Health, reason string) (store.Health, error) {
	opened, err := m.store.SetPaused(ctx, reason, store.PauseSourceMonitor, "monitor")
	if err != nil {
		return health, err
	}
	if opened {
		m.announcePause(ctx, reason)
		health.Paused = true
		health.PauseReason = reason
		health.PauseSource = store.PauseSourceMonitor
	}
	return health, nil
}

// Pause opens the breaker on an operator's order. An operator pause is never
// auto-closed by Tick.
func (m *Monitor) Pause(ctx context.Context, reason, by string) (bool, error) {
	if reason == "" {
		reason = "operator pause"
	}
	opened, err := m.store.SetPaused(ctx, reason, store.PauseSourceOperator, by)
	if err != nil {
		return false, err
	}
	if opened {
		m.announcePause(ctx, reason)
	}
	return opened, nil
}

// Resume closes the breaker regardless of who opened it.
func (m *Monitor) Resume(ctx context.Context, by string) (bool, error) {
	closed, err := m.store.ClearPaused(ctx, "")
	if err != nil {
		return false, err
	}
	if closed {
		m.announceResume(ctx, by, "operator resume")
	}
	return closed, nil
}

func (m *Monitor) announcePause(ctx context.Context, reason string) {
	if m.bus != nil {
		m.bus.Publish(bus.TopicPaused, bus.PauseEvent{
			Reason: reason,
			By:     "monitor",
			Since:  m.store.Now(),
		})
	}
	if m.audit != nil {
		m.audit.Record(ctx, "deny", "autonomy", reason, "breaker")
	}
	if m.metrics != nil {
		m.metrics.BreakerOpens.Add(ctx, 1)
	}
	m.logger.Warn("autonomous execution paused", "reason", reason)
}

func (m *Monitor) announceResume(ctx context.Context, by, reason string) {
	if m.bus != nil {
		m.bus.Publish(bus.TopicResumed, bus.PauseEvent{
			Reason: reason,
			By:     by,
			Since:  m.store.Now(),
		})
	}
	if m.audit != nil {
		m.audit.Record(ctx, "allow", "autonomy", reason, "breaker")
	}
	m.logger.Info("autonomous execution resumed", "by", by, "reason", reason)
}
