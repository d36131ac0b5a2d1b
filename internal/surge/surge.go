// Package surge runs the per-product surge pricing lifecycle:
// Inactive → Active (detection) → Expired (sweep, price reverted).
//
// A product never has more than one active surge. Detection checks for an
// existing active surge first and the store rejects a second one.
package surge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/applier"
	"github.com/bazaar/pricing-engine/internal/metrics"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/optimal"
	"github.com/bazaar/pricing-engine/internal/pricingctx"
	"github.com/bazaar/pricing-engine/internal/rules"
	"github.com/bazaar/pricing-engine/internal/store"
)

// ErrReversionFailed is returned when an expired surge was deactivated
// but its price could not be reverted.
var ErrReversionFailed = errors.New("surge: price reversion failed")

// Trigger opens a surge of EventType when all Conditions hold.
type Trigger struct {
	EventType  string
	Conditions []model.Condition
	Multiplier decimal.Decimal
	Duration   time.Duration
}

// DefaultTriggers returns the stock demand-spike and low-stock triggers.
func DefaultTriggers() []Trigger {
	return []Trigger{
		{
			EventType: model.SurgeDemandSpike,
			Conditions: []model.Condition{
				{Field: pricingctx.FieldDemandVelocity, Operator: model.OpGte, Value: 2},
			},
			Multiplier: decimal.NewFromFloat(1.2),
			Duration:   6 * time.Hour,
		},
		{
			EventType: model.SurgeLowStock,
			Conditions: []model.Condition{
				{Field: pricingctx.FieldInventory, Operator: model.OpLte, Value: 5},
				{Field: pricingctx.FieldInventory, Operator: model.OpGt, Value: 0},
			},
			Multiplier: decimal.NewFromFloat(1.1),
			Duration:   12 * time.Hour,
		},
	}
}

// ContextBuilder builds a pricing snapshot for one product.
type ContextBuilder interface {
	Build(ctx context.Context, productID string) (*pricingctx.PricingContext, error)
}

// PriceApplier is the single price write path.
type PriceApplier interface {
	Apply(ctx context.Context, ch applier.Change) (*model.PriceChangeRecord, error)
}

// Monitor detects and expires surges.
type Monitor struct {
	surges   store.SurgeStore
	builder  ContextBuilder
	applier  PriceApplier
	pricer   optimal.Pricer
	sink     metrics.Sink
	triggers []Trigger
	now      func() time.Time
}

// NewMonitor creates a monitor with the default triggers.
func NewMonitor(surges store.SurgeStore, builder ContextBuilder, ap PriceApplier, pricer optimal.Pricer, sink metrics.Sink) *Monitor {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Monitor{
		surges:   surges,
		builder:  builder,
		applier:  ap,
		pricer:   pricer,
		sink:     sink,
		triggers: DefaultTriggers(),
		now:      time.Now,
	}
}

// WithTriggers replaces the trigger list. Triggers are tried in order.
func (m *Monitor) WithTriggers(triggers []Trigger) *Monitor {
	m.triggers = triggers
	return m
}

// WithClock overrides the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Detect opens a surge for the product when a trigger matches. It returns
// nil when the product already has an active surge (current, or expired and
// awaiting the sweep) or when no trigger matches.
func (m *Monitor) Detect(ctx context.Context, productID string) (*model.SurgePricingEvent, error) {
	existing, err := m.surges.GetActiveSurge(ctx, productID)
	if err == nil {
		slog.Debug("surge already active", "product_id", productID, "surge_id", existing.ID)
		return nil, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check active surge for %s: %w", productID, err)
	}

	pc, err := m.builder.Build(ctx, productID)
	if err != nil {
		return nil, err
	}

	trig := m.match(pc)
	if trig == nil {
		return nil, nil
	}

	now := m.now().UTC()
	ended := now.Add(trig.Duration)
	ev := &model.SurgePricingEvent{
		ID:         uuid.New().String(),
		ProductID:  productID,
		EventType:  trig.EventType,
		Multiplier: trig.Multiplier,
		BasePrice:  pc.CurrentPrice,
		StartedAt:  now,
		EndedAt:    &ended,
		IsActive:   true,
	}
	if err := m.surges.CreateSurge(ctx, ev); err != nil {
		if errors.Is(err, store.ErrSurgeActive) {
			// Lost a race with another detector; theirs stands.
			return nil, nil
		}
		return nil, fmt.Errorf("create surge for %s: %w", productID, err)
	}

	version := pc.Version
	surged := pc.CurrentPrice.Mul(trig.Multiplier).Round(rules.PriceScale)
	rec, err := m.applier.Apply(ctx, applier.Change{
		ProductID:       productID,
		NewPrice:        surged,
		Reason:          model.ReasonSurge,
		Note:            fmt.Sprintf("surge %s x%s until %s", trig.EventType, trig.Multiplier, ended.Format(time.RFC3339)),
		ExpectedVersion: &version,
	})
	// Do not leave a surge open whose price never took effect.
	if err != nil {
		m.rollback(ctx, ev, now)
		return nil, fmt.Errorf("apply surge price for %s: %w", productID, err)
	}
	if rec == nil {
		slog.Debug("surge price below change threshold, not opening",
			"product_id", productID, "event_type", trig.EventType, "price", pc.CurrentPrice.String())
		m.rollback(ctx, ev, now)
		return nil, nil
	}

	m.sink.SurgeOpened(ev.EventType)
	slog.Info("surge opened",
		"surge_id", ev.ID,
		"product_id", productID,
		"event_type", ev.EventType,
		"multiplier", ev.Multiplier.String(),
		"ends_at", ended,
	)
	return ev, nil
}

// rollback closes a surge whose price was never written. There is nothing
// to revert, so it is marked reverted at once.
func (m *Monitor) rollback(ctx context.Context, ev *model.SurgePricingEvent, now time.Time) {
	if err := m.surges.DeactivateSurge(ctx, ev.ID, now); err != nil {
		slog.Error("failed to roll back surge", "surge_id", ev.ID, "product_id", ev.ProductID, "err", err)
		return
	}
	if err := m.surges.MarkSurgeReverted(ctx, ev.ID, now); err != nil {
		slog.Error("failed to mark rolled back surge", "surge_id", ev.ID, "product_id", ev.ProductID, "err", err)
	}
}

func (m *Monitor) match(pc *pricingctx.PricingContext) *Trigger {
	for i := range m.triggers {
		if rules.Matches(m.triggers[i].Conditions, pc) {
			return &m.triggers[i]
		}
	}
	return nil
}

// Expire closes an expired surge and reverts the product to the
// recommended price. The surge is deactivated even when the reversion
// fails; that case returns ErrReversionFailed and leaves the event pending,
// so passing it back in (closed, RevertedAt unset) retries the reversion.
func (m *Monitor) Expire(ctx context.Context, ev model.SurgePricingEvent) (*model.PriceChangeRecord, error) {
	now := m.now().UTC()
	if ev.IsActive {
		if err := m.surges.DeactivateSurge(ctx, ev.ID, now); err != nil {
			return nil, fmt.Errorf("deactivate surge %s: %w", ev.ID, err)
		}
		m.sink.SurgeClosed(ev.EventType)
	} else {
		// A newer surge on the product owns its price now and reverts it
		// when it expires.
		newer, err := m.surges.GetActiveSurge(ctx, ev.ProductID)
		switch {
		case err == nil:
			slog.Info("pending surge reversion superseded",
				"surge_id", ev.ID, "product_id", ev.ProductID, "active_surge_id", newer.ID)
			return nil, m.markReverted(ctx, ev, now)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: surge %s: %w", ErrReversionFailed, ev.ID, err)
		}
	}

	rec, err := m.pricer.ComputeOptimalPrice(ctx, ev.ProductID)
	if err != nil {
		return nil, fmt.Errorf("%w: surge %s: %w", ErrReversionFailed, ev.ID, err)
	}

	change, err := m.applier.Apply(ctx, applier.Change{
		ProductID: ev.ProductID,
		NewPrice:  rec.RecommendedPrice,
		Reason:    model.ReasonManual,
		Note:      fmt.Sprintf("surge %s expired, reverting to recommended price (%s)", ev.EventType, rec.Basis),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: surge %s: %w", ErrReversionFailed, ev.ID, err)
	}
	if err := m.markReverted(ctx, ev, now); err != nil {
		return change, err
	}

	slog.Info("surge expired",
		"surge_id", ev.ID,
		"product_id", ev.ProductID,
		"recommended_price", rec.RecommendedPrice.String(),
		"reverted", change != nil,
		"retried", !ev.IsActive,
	)
	return change, nil
}

// markReverted closes out a surge's reversion. A failure here leaves the
// event pending; the retry finds the price already reverted and writes
// nothing.
func (m *Monitor) markReverted(ctx context.Context, ev model.SurgePricingEvent, now time.Time) error {
	if err := m.surges.MarkSurgeReverted(ctx, ev.ID, now); err != nil {
		return fmt.Errorf("%w: surge %s: mark reverted: %w", ErrReversionFailed, ev.ID, err)
	}
	return nil
}
