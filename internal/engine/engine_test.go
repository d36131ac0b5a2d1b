package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/applier"
	"github.com/bazaar/pricing-engine/internal/experiment"
	"github.com/bazaar/pricing-engine/internal/metrics"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/optimal"
	"github.com/bazaar/pricing-engine/internal/pricingctx"
	"github.com/bazaar/pricing-engine/internal/store"
	"github.com/bazaar/pricing-engine/internal/surge"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// testStore lets a test break individual store calls.
type testStore struct {
	*store.MemoryStore
	failPriceFor string
	failListing  bool
}

func (s *testStore) SetProductPrice(ctx context.Context, id string, price decimal.Decimal, v int64) (*model.Product, error) {
	if id == s.failPriceFor {
		return nil, errors.New("disk on fire")
	}
	return s.MemoryStore.SetProductPrice(ctx, id, price, v)
}

func (s *testStore) ListProducts(ctx context.Context, f store.ProductFilter) ([]model.Product, error) {
	if s.failListing {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStore.ListProducts(ctx, f)
}

func newTestEngine(t *testing.T) (*Engine, *testStore) {
	t.Helper()
	ts := &testStore{MemoryStore: store.NewMemoryStore()}
	clock := func() time.Time { return now }

	builder := pricingctx.NewBuilder(ts, ts, ts).WithClock(clock)
	ap := applier.New(ts, metrics.Nop{}, nil).WithClock(clock)
	mon := surge.NewMonitor(ts, builder, ap, optimal.NewReferencePricer(ts), metrics.Nop{}).WithClock(clock)
	an := experiment.NewAnalyzer(ts, ap, metrics.Nop{}).WithClock(clock)

	e := New(Deps{
		Store:       ts,
		Builder:     builder,
		Applier:     ap,
		Surges:      mon,
		Experiments: an,
		Sink:        metrics.Nop{},
	}).WithClock(clock)
	return e, ts
}

func tenPercentOff(productID string) model.PriceRule {
	return model.PriceRule{
		ID:        "r1",
		Name:      "ten off",
		Scope:     model.Scope{Kind: model.ScopeProduct, TargetID: productID},
		Action:    model.Action{Kind: model.ActionPercentage, Amount: d(-10)},
		Priority:  1,
		Active:    true,
		CreatedAt: now.Add(-time.Hour),
	}
}

func TestApplyPricingRules_ProductRuleWritesPrice(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(100), InventoryLevel: 50, IsActive: true})
	ts.PutRule(tenPercentOff("42"))
	ctx := context.Background()

	sum, err := e.ApplyPricingRules(ctx, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 1 || sum.Changed != 1 {
		t.Errorf("expected 1 processed/1 changed, got %+v", sum)
	}

	p, _ := ts.GetProduct(ctx, "42")
	if !p.Price.Equal(d(90)) {
		t.Errorf("expected price 90, got %s", p.Price)
	}
	history, _ := ts.ListPriceChangeRecords(ctx, "42")
	if len(history) != 1 || history[0].Reason != model.ReasonRuleBased || history[0].RuleID != "r1" {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestApplyPricingRules_RepeatedPassesCompound(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(100), InventoryLevel: 50, IsActive: true})
	ts.PutRule(tenPercentOff("42"))
	ctx := context.Background()

	if _, err := e.ApplyPricingRules(ctx, Filter{}); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	sum, err := e.ApplyPricingRules(ctx, Filter{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if sum.Changed != 1 {
		t.Errorf("expected the second pass to change the price again, got %+v", sum)
	}

	p, _ := ts.GetProduct(ctx, "42")
	if !p.Price.Equal(d(81)) {
		t.Errorf("expected price 81 after two passes, got %s", p.Price)
	}
	history, _ := ts.ListPriceChangeRecords(ctx, "42")
	if len(history) != 2 {
		t.Errorf("expected 2 records, got %d", len(history))
	}
}

func TestApplyPricingRules_NoMatchingRuleIsSkipped(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutProduct(&model.Product{ID: "7", CategoryID: "hats", Price: d(30), IsActive: true})
	ts.PutRule(tenPercentOff("42"))

	sum, err := e.ApplyPricingRules(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Skipped != 1 || sum.Changed != 0 {
		t.Errorf("expected 1 skipped, got %+v", sum)
	}
}

func TestApplyPricingRules_FailingItemDoesNotStopPass(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutProduct(&model.Product{ID: "1", CategoryID: "shoes", Price: d(100), IsActive: true})
	ts.PutProduct(&model.Product{ID: "2", CategoryID: "shoes", Price: d(100), IsActive: true})
	ts.PutProduct(&model.Product{ID: "3", CategoryID: "shoes", Price: d(100), IsActive: true})
	ts.PutRule(model.PriceRule{
		ID: "cat", Scope: model.Scope{Kind: model.ScopeCategory, TargetID: "shoes"},
		Action: model.Action{Kind: model.ActionFixedDelta, Amount: d(-5)}, Active: true, CreatedAt: now,
	})
	ts.failPriceFor = "2"
	ctx := context.Background()

	sum, err := e.ApplyPricingRules(ctx, Filter{CategoryID: "shoes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 3 || sum.Changed != 2 || sum.Failed != 1 {
		t.Errorf("expected 3 processed/2 changed/1 failed, got %+v", sum)
	}
	for _, id := range []string{"1", "3"} {
		p, _ := ts.GetProduct(ctx, id)
		if !p.Price.Equal(d(95)) {
			t.Errorf("product %s: expected 95, got %s", id, p.Price)
		}
	}
}

func TestApplyPricingRules_ListingFailureAborts(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.failListing = true

	_, err := e.ApplyPricingRules(context.Background(), Filter{})
	if !errors.Is(err, ErrDependencyUnavailable) {
		t.Errorf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestApplyPricingRules_CancelledContextStops(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(100), IsActive: true})
	ts.PutRule(tenPercentOff("42"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := e.ApplyPricingRules(ctx, Filter{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if sum.Processed != 0 {
		t.Errorf("expected nothing processed, got %+v", sum)
	}
}

func TestMonitorSurgeConditions_OpensOncePerProduct(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(100), InventoryLevel: 2, IsActive: true})
	ts.PutProduct(&model.Product{ID: "43", CategoryID: "shoes", Price: d(100), InventoryLevel: 80, IsActive: true})
	ctx := context.Background()

	sum, err := e.MonitorSurgeConditions(ctx, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Changed != 1 || sum.Skipped != 1 {
		t.Errorf("expected 1 changed/1 skipped, got %+v", sum)
	}

	sum, _ = e.MonitorSurgeConditions(ctx, Filter{})
	if sum.Changed != 0 {
		t.Errorf("second pass must not open another surge, got %+v", sum)
	}
	if n := len(ts.Surges("42")); n != 1 {
		t.Errorf("expected 1 surge for product 42, got %d", n)
	}
}

func TestDeactivateExpiredSurges_RevertsPrice(t *testing.T) {
	e, ts := newTestEngine(t)
	ctx := context.Background()
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(120), IsActive: true})
	ts.AppendPriceChangeRecord(ctx, &model.PriceChangeRecord{ID: "c1", ProductID: "42", OldPrice: d(100), NewPrice: d(120), Reason: model.ReasonSurge, CreatedAt: now.Add(-7 * time.Hour)})
	ended := now.Add(-time.Hour)
	ts.PutSurge(model.SurgePricingEvent{
		ID: "s1", ProductID: "42", EventType: model.SurgeDemandSpike, Multiplier: d(1.2), BasePrice: d(100),
		StartedAt: now.Add(-7 * time.Hour), EndedAt: &ended, IsActive: true,
	})

	sum, err := e.DeactivateExpiredSurges(ctx, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 1 || sum.Changed != 1 {
		t.Errorf("expected 1 processed/1 changed, got %+v", sum)
	}

	if ts.Surges("42")[0].IsActive {
		t.Error("expected surge to be inactive")
	}
	history, _ := ts.ListPriceChangeRecords(ctx, "42")
	last := history[len(history)-1]
	if last.Reason != model.ReasonManual || !last.NewPrice.Equal(d(100)) {
		t.Errorf("expected manual reversion to 100, got %+v", last)
	}
}

func TestDeactivateExpiredSurges_ReversionFailureCounted(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(120), IsActive: true})
	ended := now.Add(-time.Minute)
	// No price history: nothing to revert to.
	ts.PutSurge(model.SurgePricingEvent{ID: "s1", ProductID: "42", EventType: model.SurgeLowStock, Multiplier: d(1.1), StartedAt: now.Add(-13 * time.Hour), EndedAt: &ended, IsActive: true})

	sum, err := e.DeactivateExpiredSurges(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", sum)
	}
	if ts.Surges("42")[0].IsActive {
		t.Error("surge must be deactivated even when reversion fails")
	}
}

func TestDeactivateExpiredSurges_RetriesFailedReversion(t *testing.T) {
	e, ts := newTestEngine(t)
	ctx := context.Background()
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(120), IsActive: true})
	ts.AppendPriceChangeRecord(ctx, &model.PriceChangeRecord{ID: "c1", ProductID: "42", OldPrice: d(100), NewPrice: d(120), Reason: model.ReasonSurge, CreatedAt: now.Add(-7 * time.Hour)})
	ended := now.Add(-time.Hour)
	ts.PutSurge(model.SurgePricingEvent{
		ID: "s1", ProductID: "42", EventType: model.SurgeDemandSpike, Multiplier: d(1.2), BasePrice: d(100),
		StartedAt: now.Add(-7 * time.Hour), EndedAt: &ended, IsActive: true,
	})

	ts.failPriceFor = "42"
	sum, _ := e.DeactivateExpiredSurges(ctx, Filter{})
	if sum.Processed != 1 || sum.Failed != 1 {
		t.Fatalf("expected first sweep to fail its item, got %+v", sum)
	}
	if ev := ts.Surges("42")[0]; !ev.PendingReversion() {
		t.Fatalf("expected surge closed and pending reversion, got %+v", ev)
	}

	ts.failPriceFor = ""
	sum, err := e.DeactivateExpiredSurges(ctx, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 1 || sum.Changed != 1 {
		t.Errorf("expected the retry to settle the surge, got %+v", sum)
	}
	p, _ := ts.GetProduct(ctx, "42")
	if !p.Price.Equal(d(100)) {
		t.Errorf("expected price reverted to 100, got %s", p.Price)
	}
	if ev := ts.Surges("42")[0]; ev.RevertedAt == nil {
		t.Error("expected surge marked reverted")
	}

	sum, _ = e.DeactivateExpiredSurges(ctx, Filter{})
	if sum.Processed != 0 {
		t.Errorf("expected nothing left to sweep, got %+v", sum)
	}
}

// gaugeSink records the last active surge count.
type gaugeSink struct {
	metrics.Nop
	active int
}

func (s *gaugeSink) ActiveSurges(n int) { s.active = n }

func TestSurgePasses_ReportActiveSurgesFromStore(t *testing.T) {
	e, ts := newTestEngine(t)
	sink := &gaugeSink{active: -1}
	e.sink = sink
	ctx := context.Background()
	ts.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(100), InventoryLevel: 2, IsActive: true})
	ended := now.Add(-time.Hour)
	// Opened before a restart; this process never saw it open.
	ts.PutSurge(model.SurgePricingEvent{ID: "old", ProductID: "7", EventType: model.SurgeLowStock, Multiplier: d(1.1), StartedAt: now.Add(-13 * time.Hour), EndedAt: &ended, IsActive: true})

	e.MonitorSurgeConditions(ctx, Filter{})
	if sink.active != 2 {
		t.Errorf("expected 2 active surges, got %d", sink.active)
	}

	e.DeactivateExpiredSurges(ctx, Filter{})
	if sink.active != 1 {
		t.Errorf("expected 1 active surge after the sweep, got %d", sink.active)
	}
}

func TestAnalyzePriceExperiments_SkipsThinTraffic(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutExperiment(&model.PriceExperiment{
		ID: "e1", ProductID: "42", ControlPrice: d(100), VariantPrice: d(90),
		ControlImpressions: 50, VariantImpressions: 50, ControlConversions: 2, VariantConversions: 30,
		StartedAt: now.Add(-5 * 24 * time.Hour), Winner: model.WinnerNone,
	})

	sum, err := e.AnalyzePriceExperiments(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 1 || sum.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %+v", sum)
	}
	x, _ := ts.GetExperiment(context.Background(), "e1")
	if x.Completed() || x.Winner != model.WinnerNone {
		t.Errorf("experiment must stay untouched, got %+v", x)
	}
}

func TestAnalyzePriceExperiments_CompletesSignificant(t *testing.T) {
	e, ts := newTestEngine(t)
	ts.PutExperiment(&model.PriceExperiment{
		ID: "e1", ProductID: "42", ControlPrice: d(100), VariantPrice: d(90),
		ControlImpressions: 1000, VariantImpressions: 1000, ControlConversions: 100, VariantConversions: 150,
		StartedAt: now.Add(-8 * 24 * time.Hour), Winner: model.WinnerNone,
	})

	sum, err := e.AnalyzePriceExperiments(context.Background(), Filter{ExperimentID: "e1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Changed != 1 {
		t.Errorf("expected 1 changed, got %+v", sum)
	}
}

func TestRun_UnknownFlow(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Run(context.Background(), "reticulate_splines", Filter{}); err == nil {
		t.Error("expected error for unknown flow")
	}
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"write_conflict":      store.ErrWriteConflict,
		"reversion_failed":    errors.Join(surge.ErrReversionFailed, store.ErrWriteConflict),
		"context_unavailable": pricingctx.ErrContextUnavailable,
		"timeout":             context.DeadlineExceeded,
		"dependency":          errors.New("boom"),
	}
	for want, err := range cases {
		if got := ErrorKind(err); got != want {
			t.Errorf("ErrorKind(%v) = %q, want %q", err, got, want)
		}
	}
}
