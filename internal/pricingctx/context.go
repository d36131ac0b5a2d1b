// Package pricingctx assembles the read-only signal snapshot the rule
// engine and surge detector evaluate conditions against.
package pricingctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/store"
)

// ErrContextUnavailable is returned when a product cannot be read or is
// inactive. Callers skip the item.
var ErrContextUnavailable = errors.New("pricingctx: context unavailable")

// Signal field names usable in rule conditions.
const (
	FieldProductID         = "product_id"
	FieldCategoryID        = "category_id"
	FieldPrice             = "price"
	FieldInventory         = "inventory"
	FieldViews24h          = "views_24h"
	FieldOrders24h         = "orders_24h"
	FieldOrders7d          = "orders_7d"
	FieldCartAdds24h       = "cart_adds_24h"
	FieldDemandVelocity    = "demand_velocity"
	FieldHour              = "hour"
	FieldWeekday           = "weekday"
	FieldSeason            = "season"
	FieldCompetitorPrice   = "competitor_price"
	FieldPriceVsCompetitor = "price_vs_competitor"
)

// PricingContext is built fresh per evaluation and never persisted.
type PricingContext struct {
	ProductID      string
	CategoryID     string
	CurrentPrice   decimal.Decimal
	InventoryLevel int64
	Version        int64 // product version the snapshot was read at
	Demand         model.DemandSignals
	// DemandVelocity is orders in the last 24h over the 7-day daily average.
	DemandVelocity  decimal.Decimal
	Timestamp       time.Time
	Hour            int
	Weekday         string
	Season          string
	CompetitorPrice *decimal.Decimal
}

// Signal returns the named signal, or false when it is unknown or absent.
func (c *PricingContext) Signal(field string) (any, bool) {
	switch field {
	case FieldProductID:
		return c.ProductID, true
	case FieldCategoryID:
		return c.CategoryID, true
	case FieldPrice:
		return c.CurrentPrice, true
	case FieldInventory:
		return c.InventoryLevel, true
	case FieldViews24h:
		return c.Demand.Views24h, true
	case FieldOrders24h:
		return c.Demand.Orders24h, true
	case FieldOrders7d:
		return c.Demand.Orders7d, true
	case FieldCartAdds24h:
		return c.Demand.CartAdds24h, true
	case FieldDemandVelocity:
		return c.DemandVelocity, true
	case FieldHour:
		return c.Hour, true
	case FieldWeekday:
		return c.Weekday, true
	case FieldSeason:
		return c.Season, true
	case FieldCompetitorPrice:
		if c.CompetitorPrice == nil {
			return nil, false
		}
		return *c.CompetitorPrice, true
	case FieldPriceVsCompetitor:
		if c.CompetitorPrice == nil || c.CompetitorPrice.IsZero() {
			return nil, false
		}
		// Percent above (+) or below (-) the competitor.
		return c.CurrentPrice.Sub(*c.CompetitorPrice).
			Div(*c.CompetitorPrice).Mul(decimal.NewFromInt(100)).Round(2), true
	}
	return nil, false
}

// Builder reads products and their signals from collaborators.
type Builder struct {
	products   store.ProductStore
	demand     store.DemandSource     // optional
	competitor store.CompetitorSource // optional
	loc        *time.Location
	now        func() time.Time
}

// NewBuilder creates a builder. demand and competitor may be nil.
func NewBuilder(products store.ProductStore, demand store.DemandSource, competitor store.CompetitorSource) *Builder {
	return &Builder{
		products:   products,
		demand:     demand,
		competitor: competitor,
		loc:        time.UTC,
		now:        time.Now,
	}
}

// WithLocation sets the zone hour, weekday and season are computed in.
func (b *Builder) WithLocation(loc *time.Location) *Builder {
	if loc != nil {
		b.loc = loc
	}
	return b
}

// WithClock overrides the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build assembles the snapshot for one product.
func (b *Builder) Build(ctx context.Context, productID string) (*PricingContext, error) {
	p, err := b.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("%w: product %s: %v", ErrContextUnavailable, productID, err)
	}
	return b.FromProduct(ctx, p)
}

// FromProduct assembles the snapshot from an already-loaded product.
func (b *Builder) FromProduct(ctx context.Context, p *model.Product) (*PricingContext, error) {
	if !p.IsActive {
		return nil, fmt.Errorf("%w: product %s is inactive", ErrContextUnavailable, p.ID)
	}

	ts := b.now().In(b.loc)
	pc := &PricingContext{
		ProductID:      p.ID,
		CategoryID:     p.CategoryID,
		CurrentPrice:   p.Price,
		InventoryLevel: p.InventoryLevel,
		Version:        p.Version,
		Timestamp:      ts,
		Hour:           ts.Hour(),
		Weekday:        strings.ToLower(ts.Weekday().String()),
		Season:         Season(ts),
	}

	if b.demand != nil {
		sig, err := b.demand.GetDemandSignals(ctx, p.ID)
		if err != nil {
			slog.Warn("demand signals unavailable", "product_id", p.ID, "err", err)
		} else {
			pc.Demand = sig
			pc.DemandVelocity = Velocity(sig)
		}
	}

	if b.competitor != nil {
		price, err := b.competitor.GetCompetitorPrice(ctx, p.ID)
		if err != nil {
			slog.Warn("competitor price unavailable", "product_id", p.ID, "err", err)
		} else {
			pc.CompetitorPrice = price
		}
	}

	return pc, nil
}

// Velocity compares the last day's orders with the trailing 7-day daily
// average. 1 means steady demand; 0 when there is no weekly history.
func Velocity(sig model.DemandSignals) decimal.Decimal {
	if sig.Orders7d <= 0 {
		return decimal.Zero
	}
	dailyAvg := decimal.NewFromInt(sig.Orders7d).Div(decimal.NewFromInt(7))
	return decimal.NewFromInt(sig.Orders24h).Div(dailyAvg).Round(4)
}

// Season returns the meteorological season (northern hemisphere).
func Season(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	}
	return "autumn"
}
