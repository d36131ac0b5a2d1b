// Package applier is the single write path for every price mutation. It
// drops changes below the significance threshold, writes the price with an
// optimistic version check and appends the audit record.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/metrics"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/store"
)

var (
	// ErrNegativePrice is returned when a change proposes a price below zero.
	ErrNegativePrice = errors.New("applier: price must not be negative")

	// ErrInvalidReason is returned for an unknown change reason.
	ErrInvalidReason = errors.New("applier: unknown change reason")

	// DefaultThreshold is the minimum percentage move that gets persisted.
	DefaultThreshold = decimal.NewFromInt(1)
)

var hundred = decimal.NewFromInt(100)

// Change is one proposed price mutation.
type Change struct {
	ProductID    string
	NewPrice     decimal.Decimal
	Reason       model.Reason
	RuleID       string
	ExperimentID string
	Note         string
	// ExpectedVersion pins the write to the product version the decision
	// was made on. Apply fails with store.ErrWriteConflict if the product
	// it reads is at any other version. Nil uses the version Apply reads.
	ExpectedVersion *int64
}

// Publisher is notified after a price change is persisted.
type Publisher interface {
	PublishPriceChange(rec *model.PriceChangeRecord)
}

// Store is the slice of persistence the applier needs.
type Store interface {
	store.ProductStore
	store.AuditStore
}

// productInvalidator is implemented by caching stores that can drop a
// stale product copy.
type productInvalidator interface {
	InvalidateProduct(ctx context.Context, id string) error
}

// Applier funnels all price writes through one guard.
type Applier struct {
	store     Store
	sink      metrics.Sink
	publisher Publisher
	threshold decimal.Decimal
	now       func() time.Time
}

// New creates an applier with the default 1% significance threshold.
// Pass nil for publisher if no one listens for changes.
func New(st Store, sink metrics.Sink, publisher Publisher) *Applier {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Applier{
		store:     st,
		sink:      sink,
		publisher: publisher,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
}

// WithThreshold overrides the significance threshold (in percent).
func (a *Applier) WithThreshold(pct decimal.Decimal) *Applier {
	a.threshold = pct
	return a
}

// WithClock overrides the time source used for record timestamps.
func (a *Applier) WithClock(now func() time.Time) *Applier {
	a.now = now
	return a
}

// PercentDiff returns abs(newPrice-oldPrice)/oldPrice*100. A zero old
// price counts as a 100% move.
func PercentDiff(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return hundred
	}
	return newPrice.Sub(oldPrice).Abs().Div(oldPrice.Abs()).Mul(hundred)
}

// Significant reports whether the move from old to new exceeds threshold.
// Moving from zero to zero is never significant.
func Significant(oldPrice, newPrice, threshold decimal.Decimal) bool {
	if oldPrice.Equal(newPrice) {
		return false
	}
	return PercentDiff(oldPrice, newPrice).GreaterThan(threshold)
}

// Apply persists the change when it is significant. It returns the audit
// record on write and (nil, nil) when the change was below threshold.
func (a *Applier) Apply(ctx context.Context, ch Change) (*model.PriceChangeRecord, error) {
	if ch.NewPrice.IsNegative() {
		return nil, fmt.Errorf("product %s price %s: %w", ch.ProductID, ch.NewPrice, ErrNegativePrice)
	}
	if !ch.Reason.Valid() {
		return nil, fmt.Errorf("product %s reason %q: %w", ch.ProductID, ch.Reason, ErrInvalidReason)
	}

	p, err := a.store.GetProduct(ctx, ch.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", ch.ProductID, err)
	}
	// The old price recorded below must be the one being overwritten.
	if ch.ExpectedVersion != nil && *ch.ExpectedVersion != p.Version {
		if inv, ok := a.store.(productInvalidator); ok {
			if err := inv.InvalidateProduct(ctx, ch.ProductID); err != nil {
				slog.Warn("product cache invalidation failed", "product_id", ch.ProductID, "err", err)
			}
		}
		return nil, fmt.Errorf("product %s read at version %d, expected %d: %w",
			ch.ProductID, p.Version, *ch.ExpectedVersion, store.ErrWriteConflict)
	}

	if !Significant(p.Price, ch.NewPrice, a.threshold) {
		slog.Debug("price change below threshold",
			"product_id", ch.ProductID,
			"old_price", p.Price.String(),
			"new_price", ch.NewPrice.String(),
			"reason", string(ch.Reason),
		)
		return nil, nil
	}

	if _, err := a.store.SetProductPrice(ctx, ch.ProductID, ch.NewPrice, p.Version); err != nil {
		return nil, fmt.Errorf("set price for product %s: %w", ch.ProductID, err)
	}

	rec := &model.PriceChangeRecord{
		ID:           uuid.New().String(),
		ProductID:    ch.ProductID,
		OldPrice:     p.Price,
		NewPrice:     ch.NewPrice,
		Reason:       ch.Reason,
		RuleID:       ch.RuleID,
		ExperimentID: ch.ExperimentID,
		Note:         ch.Note,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.store.AppendPriceChangeRecord(ctx, rec); err != nil {
		// The price is already written; surface the gap loudly.
		slog.Error("price written without audit record",
			"product_id", ch.ProductID, "record_id", rec.ID, "err", err)
		return nil, fmt.Errorf("append price change for product %s: %w", ch.ProductID, err)
	}

	a.sink.PriceChanged(string(ch.Reason))
	slog.Info("price changed",
		"product_id", ch.ProductID,
		"old_price", rec.OldPrice.String(),
		"new_price", rec.NewPrice.String(),
		"reason", string(rec.Reason),
		"rule_id", rec.RuleID,
		"experiment_id", rec.ExperimentID,
	)

	if a.publisher != nil {
		a.publisher.PublishPriceChange(rec)
	}
	return rec, nil
}
