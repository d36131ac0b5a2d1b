// Package optimal recommends the reference price a product returns to once
// a surge ends.
package optimal

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/store"
)

// ErrNoRecommendation is returned when there is no price history to
// derive a reference price from.
var ErrNoRecommendation = errors.New("optimal: no recommendation available")

// Recommendation is the collaborator output shape.
type Recommendation struct {
	RecommendedPrice decimal.Decimal `json:"recommended_price"`
	Basis            string          `json:"basis"`
}

// Pricer computes an optimal reference price for a product.
type Pricer interface {
	ComputeOptimalPrice(ctx context.Context, productID string) (*Recommendation, error)
}

// Sources is what ReferencePricer reads from.
type Sources interface {
	store.AuditStore
	store.CompetitorSource
}

// ReferencePricer recommends the last price set outside a surge. When a
// competitor undercuts that price by more than Tolerance percent, the
// recommendation moves halfway towards the competitor.
type ReferencePricer struct {
	src       Sources
	Tolerance decimal.Decimal
}

// NewReferencePricer creates a pricer with a 10% competitor tolerance.
func NewReferencePricer(src Sources) *ReferencePricer {
	return &ReferencePricer{src: src, Tolerance: decimal.NewFromInt(10)}
}

// ComputeOptimalPrice implements Pricer.
func (p *ReferencePricer) ComputeOptimalPrice(ctx context.Context, productID string) (*Recommendation, error) {
	ref, basis, err := p.reference(ctx, productID)
	if err != nil {
		return nil, err
	}

	competitor, err := p.src.GetCompetitorPrice(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("competitor price for %s: %w", productID, err)
	}
	if competitor != nil && competitor.IsPositive() && ref.IsPositive() {
		gap := ref.Sub(*competitor).Div(ref).Mul(decimal.NewFromInt(100))
		if gap.GreaterThan(p.Tolerance) {
			ref = ref.Add(*competitor).Div(decimal.NewFromInt(2)).Round(2)
			basis += "+competitor"
		}
	}

	return &Recommendation{RecommendedPrice: ref, Basis: basis}, nil
}

// reference reads the newest audit record: the price before it when a
// surge set it, otherwise the price it set.
func (p *ReferencePricer) reference(ctx context.Context, productID string) (decimal.Decimal, string, error) {
	history, err := p.src.ListPriceChangeRecords(ctx, productID)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("price history for %s: %w", productID, err)
	}
	if len(history) == 0 {
		return decimal.Zero, "", fmt.Errorf("product %s: %w", productID, ErrNoRecommendation)
	}

	last := history[len(history)-1]
	if last.Reason == model.ReasonSurge {
		return last.OldPrice, "pre_surge", nil
	}
	return last.NewPrice, "last_change", nil
}
