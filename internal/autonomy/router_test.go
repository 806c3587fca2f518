package autonomy_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/autopilot/internal/autonomy"
	"github.com/basket/autopilot/internal/config"
	"github.com/basket/autopilot/internal/contract"
	"github.com/basket/autopilot/internal/executor"
	"github.com/basket/autopilot/internal/otel"
	"github.com/basket/autopilot/internal/reliability"
	"github.com/basket/autopilot/internal/store"
)

type routerFixture struct {
	router  *autonomy.Router
	store   *store.Store
	monitor *reliability.Monitor
}

func newRouterFixture(t *testing.T, mode config.Mode) *routerFixture {
	t.Helper()
	return newRouterFixtureWithMetrics(t, mode, nil)
}

func newRouterFixtureWithMetrics(t *testing.T, mode config.Mode, metrics *otel.Metrics) *routerFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	validator, err := contract.NewValidator()
	if err != nil {
		t.Fatalf("compile contract: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.AutonomyConfig{
		Mode:                    mode,
		MinConfidence:           0.70,
		MaxFailRate:             0.25,
		MinSample:               10,
		WindowDays:              14,
		MaxAutoPerMinute:        5,
		MaxAutoPerEntityPerHour: 2,
	}

	exec := executor.New(s, validator, nil, nil, logger, nil, nil, "test-worker")
	monitor := reliability.NewMonitor(s, nil, nil, logger, nil, cfg)
	return &routerFixture{
		router:  autonomy.NewRouter(s, exec, monitor, nil, nil, logger, metrics, cfg),
		store:   s,
		monitor: monitor,
	}
}

func (f *routerFixture) page(t *testing.T, slug string) int64 {
	t.Helper()
	id, err := f.store.CreatePage(context.Background(), slug, "Title", "Desc", "Body")
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	return id
}

func mustDoc(t *testing.T, raw []byte) *contract.Document {
	t.Helper()
	v, err := contract.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	doc, err := v.Validate(raw)
	if err != nil {
		t.Fatalf("validate fixture doc: %v", err)
	}
	return doc
}

func rawDecision(hash string, entityID int64, confidence float64, risk string) []byte {
	return []byte(fmt.Sprintf(`{
		"hash": %q,
		"entity_id": %d,
		"confidence": %g,
		"risk_level": %q,
		"actions": [{"type": "update_title", "value": "Routed"}]
	}`, hash, entityID, confidence, risk))
}

func route(t *testing.T, f *routerFixture, raw []byte) autonomy.RouteResult {
	t.Helper()
	result, err := f.router.Route(context.Background(), mustDoc(t, raw), raw)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	return result
}

func TestShadowModeNeverActs(t *testing.T) {
	f := newRouterFixture(t, config.ModeShadow)
	pageID := f.page(t, "blog/shadow")

	result := route(t, f, rawDecision("h1", pageID, 0.99, "low"))
	if result.Disposition != autonomy.DispositionShadowed {
		t.Fatalf("disposition = %s, want shadowed", result.Disposition)
	}

	// No mutation, no review task.
	page, _ := f.store.GetPage(context.Background(), pageID)
	if page.Title != "Title" {
		t.Fatal("shadow mode mutated the page")
	}
	task, err := f.store.ReserveNext(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if task != nil {
		t.Fatal("shadow mode enqueued a task")
	}

	// The decision itself is still recorded.
	d, err := f.store.GetDecision(context.Background(), "h1")
	if err != nil || d == nil {
		t.Fatalf("decision not recorded: d=%v err=%v", d, err)
	}
}

func TestFullModeAutoAppliesLowRisk(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/auto")

	result := route(t, f, rawDecision("h2", pageID, 0.9, "low"))
	if result.Disposition != autonomy.DispositionAutoApplied {
		t.Fatalf("disposition = %s (%s), want auto_applied", result.Disposition, result.Reason)
	}
	if result.SnapshotID <= 0 {
		t.Fatal("auto-apply must capture a snapshot")
	}

	page, _ := f.store.GetPage(context.Background(), pageID)
	if page.Title != "Routed" {
		t.Fatalf("title = %q, want applied value", page.Title)
	}
	d, _ := f.store.GetDecision(context.Background(), "h2")
	if d.Status != store.DecisionStatusExecuted {
		t.Fatalf("decision status = %s, want executed", d.Status)
	}
	intent, _ := f.store.GetIntentByDecision(context.Background(), "h2")
	if intent == nil || intent.Status != store.IntentStatusCompleted {
		t.Fatalf("intent = %+v, want completed", intent)
	}
}

func TestAutoApplyClaimsOwnIntentOnly(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/own-intent")
	ctx := context.Background()

	// An older pending intent from another decision sits in the table.
	foreign, _, err := f.store.CreateIntent(ctx, "other-decision", "auto_apply", "{}")
	if err != nil {
		t.Fatalf("create foreign intent: %v", err)
	}

	result := route(t, f, rawDecision("h9", pageID, 0.9, "low"))
	if result.Disposition != autonomy.DispositionAutoApplied {
		t.Fatalf("disposition = %s (%s), want auto_applied", result.Disposition, result.Reason)
	}

	// The route completed its own intent and never touched the foreign one.
	own, _ := f.store.GetIntentByDecision(ctx, "h9")
	if own == nil || own.Status != store.IntentStatusCompleted {
		t.Fatalf("own intent = %+v, want completed", own)
	}
	other, err := f.store.GetIntentByDecision(ctx, "other-decision")
	if err != nil || other == nil {
		t.Fatalf("get foreign intent: intent=%v err=%v", other, err)
	}
	if other.ID != foreign.ID || other.Status != store.IntentStatusPending {
		t.Fatalf("foreign intent = %+v, want still pending", other)
	}
}

func TestLimitedModeAlwaysQueuesForReview(t *testing.T) {
	f := newRouterFixture(t, config.ModeLimited)
	pageID := f.page(t, "blog/limited")

	// Even a low-risk, high-confidence decision goes to a human in limited
	// mode.
	result := route(t, f, rawDecision("h3", pageID, 0.99, "low"))
	if result.Disposition != autonomy.DispositionQueuedForReview {
		t.Fatalf("disposition = %s, want queued_for_review", result.Disposition)
	}

	page, _ := f.store.GetPage(context.Background(), pageID)
	if page.Title != "Title" {
		t.Fatal("limited mode mutated the page")
	}
	task, err := f.store.ReserveNext(context.Background())
	if err != nil || task == nil {
		t.Fatalf("reserve review task: task=%v err=%v", task, err)
	}
	if task.DedupKey != "review:h3" {
		t.Fatalf("dedup key = %q, want review:h3", task.DedupKey)
	}
}

func TestFullModeStillQueuesHighRisk(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/high")

	result := route(t, f, rawDecision("h4", pageID, 0.99, "high"))
	if result.Disposition != autonomy.DispositionQueuedForReview {
		t.Fatalf("disposition = %s, want queued_for_review", result.Disposition)
	}
	if !strings.Contains(result.Reason, "high risk") {
		t.Fatalf("reason = %q", result.Reason)
	}
}

func TestLowConfidenceGoesToReview(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/lowconf")

	result := route(t, f, rawDecision("h5", pageID, 0.5, "low"))
	if result.Disposition != autonomy.DispositionQueuedForReview {
		t.Fatalf("disposition = %s, want queued_for_review", result.Disposition)
	}
	if !strings.Contains(result.Reason, "confidence") {
		t.Fatalf("reason = %q", result.Reason)
	}
}

func TestKillSwitchShortCircuitsRouting(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/killed")
	ctx := context.Background()

	if err := f.store.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}
	result := route(t, f, rawDecision("h6", pageID, 0.99, "low"))
	if result.Disposition != autonomy.DispositionRefused {
		t.Fatalf("disposition = %s, want refused", result.Disposition)
	}
	if !strings.Contains(result.Reason, "kill switch") {
		t.Fatalf("reason = %q", result.Reason)
	}

	// Strict no-op: no decision row, no task, no mutation.
	if d, err := f.store.GetDecision(ctx, "h6"); err != nil || d != nil {
		t.Fatalf("decision recorded under kill switch: d=%v err=%v", d, err)
	}
	if task, err := f.store.ReserveNext(ctx); err != nil || task != nil {
		t.Fatalf("task created under kill switch: task=%v err=%v", task, err)
	}
	page, _ := f.store.GetPage(ctx, pageID)
	if page.Title != "Title" {
		t.Fatal("kill switch did not block the mutation")
	}

	// Routing works again once the switch lifts.
	if err := f.store.SetKillSwitch(ctx, false); err != nil {
		t.Fatalf("clear kill switch: %v", err)
	}
	if result := route(t, f, rawDecision("h6", pageID, 0.99, "low")); result.Disposition != autonomy.DispositionAutoApplied {
		t.Fatalf("disposition after clear = %s (%s)", result.Disposition, result.Reason)
	}
}

func TestOpenBreakerForcesReview(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/breaker")
	ctx := context.Background()

	if ok, err := f.monitor.Pause(ctx, "degraded", "monitor"); err != nil || !ok {
		t.Fatalf("pause: ok=%v err=%v", ok, err)
	}
	result := route(t, f, rawDecision("h7", pageID, 0.99, "low"))
	if result.Disposition != autonomy.DispositionQueuedForReview {
		t.Fatalf("disposition = %s, want queued_for_review", result.Disposition)
	}
	if !strings.Contains(result.Reason, "breaker") {
		t.Fatalf("reason = %q", result.Reason)
	}
}

func TestPerEntityRateLimitDegradesToReview(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/rated")

	// Per-entity limit is 2 per hour.
	for i := 0; i < 2; i++ {
		result := route(t, f, rawDecision(fmt.Sprintf("rate-%d", i), pageID, 0.9, "low"))
		if result.Disposition != autonomy.DispositionAutoApplied {
			t.Fatalf("apply %d disposition = %s (%s)", i, result.Disposition, result.Reason)
		}
	}
	result := route(t, f, rawDecision("rate-2", pageID, 0.9, "low"))
	if result.Disposition != autonomy.DispositionQueuedForReview {
		t.Fatalf("disposition = %s, want queued_for_review at the entity cap", result.Disposition)
	}
	if !strings.Contains(result.Reason, "rate limit") {
		t.Fatalf("reason = %q", result.Reason)
	}
}

func TestRoutingSameDecisionTwiceNeverDoublesApply(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	pageID := f.page(t, "blog/twice")

	first := route(t, f, rawDecision("h8", pageID, 0.9, "low"))
	if first.Disposition != autonomy.DispositionAutoApplied {
		t.Fatalf("first disposition = %s (%s)", first.Disposition, first.Reason)
	}
	second := route(t, f, rawDecision("h8", pageID, 0.9, "low"))
	if second.Disposition != autonomy.DispositionQueuedForReview {
		t.Fatalf("second disposition = %s, want degraded to review", second.Disposition)
	}

	// Only one snapshot-producing apply happened.
	snaps, err := f.store.ListSnapshots(context.Background(), "page", pageID, 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("%d snapshots, want exactly 1 apply", len(snaps))
	}
}

func TestAutoApplyFailureFallsThroughToReview(t *testing.T) {
	f := newRouterFixture(t, config.ModeFull)
	// Entity does not exist: snapshot capture fails inside the apply.
	raw := rawDecision("h9", 9999, 0.9, "low")

	result := route(t, f, raw)
	if result.Disposition != autonomy.DispositionQueuedForReview {
		t.Fatalf("disposition = %s, want queued_for_review after apply failure", result.Disposition)
	}
	if !strings.Contains(result.Reason, "auto-apply failed") {
		t.Fatalf("reason = %q", result.Reason)
	}

	task, err := f.store.ReserveNext(context.Background())
	if err != nil || task == nil {
		t.Fatalf("review task after failure: task=%v err=%v", task, err)
	}
	if task.DedupKey != "review:h9" {
		t.Fatalf("dedup key = %q", task.DedupKey)
	}
	intent, _ := f.store.GetIntentByDecision(context.Background(), "h9")
	if intent == nil || intent.Status != store.IntentStatusFailed {
		t.Fatalf("intent = %+v, want failed", intent)
	}
}

func TestReviewQueueCountsEnqueuedTasks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := otel.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	f := newRouterFixtureWithMetrics(t, config.ModeLimited, metrics)
	pageID := f.page(t, "blog/counted")

	route(t, f, rawDecision("h10", pageID, 0.9, "low"))
	// Deduplicated re-route must not count a second task.
	route(t, f, rawDecision("h10", pageID, 0.9, "low"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var got int64 = -1
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "autopilot.tasks.enqueued" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("unexpected data shape for %s: %T", m.Name, m.Data)
			}
			got = sum.DataPoints[0].Value
		}
	}
	if got != 1 {
		t.Fatalf("tasks enqueued counter = %d, want 1", got)
	}
}
