package pricingctx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBuild_AssemblesSignals(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutProduct(&model.Product{ID: "42", CategoryID: "shoes", Price: d(100), InventoryLevel: 7, IsActive: true, Version: 2})
	ms.SetDemandSignals("42", model.DemandSignals{Orders24h: 20, Orders7d: 70, Views24h: 500})
	ms.SetCompetitorPrice("42", d(80))

	// Saturday 14:30 UTC in July.
	now := time.Date(2026, time.July, 4, 14, 30, 0, 0, time.UTC)
	b := NewBuilder(ms, ms, ms).WithClock(fixedClock(now))

	pc, err := b.Build(context.Background(), "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pc.Version != 2 {
		t.Errorf("expected version 2, got %d", pc.Version)
	}
	if pc.Hour != 14 || pc.Weekday != "saturday" || pc.Season != "summer" {
		t.Errorf("unexpected time signals: hour=%d weekday=%s season=%s", pc.Hour, pc.Weekday, pc.Season)
	}
	// 20 orders today vs 10/day average.
	if !pc.DemandVelocity.Equal(d(2)) {
		t.Errorf("expected velocity 2, got %s", pc.DemandVelocity)
	}

	v, ok := pc.Signal(FieldPriceVsCompetitor)
	if !ok || !v.(decimal.Decimal).Equal(d(25)) {
		t.Errorf("expected price 25%% above competitor, got %v (%v)", v, ok)
	}
}

func TestBuild_InactiveProductUnavailable(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutProduct(&model.Product{ID: "42", Price: d(100), IsActive: false})

	_, err := NewBuilder(ms, nil, nil).Build(context.Background(), "42")
	if !errors.Is(err, ErrContextUnavailable) {
		t.Errorf("expected ErrContextUnavailable, got %v", err)
	}
}

func TestBuild_MissingProductUnavailable(t *testing.T) {
	ms := store.NewMemoryStore()

	_, err := NewBuilder(ms, nil, nil).Build(context.Background(), "nope")
	if !errors.Is(err, ErrContextUnavailable) {
		t.Errorf("expected ErrContextUnavailable, got %v", err)
	}
}

func TestSignal_MissingCompetitor(t *testing.T) {
	pc := &PricingContext{CurrentPrice: d(10)}
	if _, ok := pc.Signal(FieldCompetitorPrice); ok {
		t.Error("competitor price should be absent")
	}
	if _, ok := pc.Signal("unknown_field"); ok {
		t.Error("unknown field should be absent")
	}
}

func TestVelocity_NoHistory(t *testing.T) {
	if v := Velocity(model.DemandSignals{Orders24h: 5}); !v.IsZero() {
		t.Errorf("expected zero velocity without weekly history, got %s", v)
	}
}

func TestSeason(t *testing.T) {
	cases := map[time.Month]string{
		time.January:  "winter",
		time.April:    "spring",
		time.August:   "summer",
		time.October:  "autumn",
		time.December: "winter",
	}
	for m, want := range cases {
		if got := Season(time.Date(2026, m, 10, 0, 0, 0, 0, time.UTC)); got != want {
			t.Errorf("Season(%s) = %s, want %s", m, got, want)
		}
	}
}
