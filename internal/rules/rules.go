// Package rules selects the applicable price rule for a product and
// computes the candidate price it proposes.
//
// Rules are evaluated in ascending priority; ties break on creation time
// then id, so evaluation order is deterministic. Conditions are ANDed and
// an empty condition list always matches within the rule's scope.
package rules

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/condition"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/pricingctx"
)

// PriceScale is the number of decimal places computed prices are rounded to.
var PriceScale int32 = 2

var hundred = decimal.NewFromInt(100)

// SortRules orders rules by priority, then creation time, then id.
func SortRules(rules []model.PriceRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SelectApplicableRule returns the first rule, in the given order, whose
// scope covers the product and whose conditions all hold. Inactive and
// invalid rules never match; invalid ones are logged. Returns nil when
// nothing matches.
func SelectApplicableRule(rules []model.PriceRule, pc *pricingctx.PricingContext) *model.PriceRule {
	for i := range rules {
		r := &rules[i]
		if !r.Active || !r.Scope.Matches(pc.ProductID, pc.CategoryID) {
			continue
		}
		if err := r.Validate(); err != nil {
			slog.Warn("skipping invalid price rule",
				"rule_id", r.ID, "product_id", pc.ProductID, "err", err)
			continue
		}
		if Matches(r.Conditions, pc) {
			return r
		}
	}
	return nil
}

// Matches reports whether every condition holds for the context. An
// unknown signal field fails its condition.
func Matches(conditions []model.Condition, pc *pricingctx.PricingContext) bool {
	for _, c := range conditions {
		actual, ok := pc.Signal(c.Field)
		if !ok {
			return false
		}
		if !condition.Evaluate(actual, c.Operator, c.Value) {
			return false
		}
	}
	return true
}

// ComputePrice applies the rule's action to currentPrice. The result is
// rounded to PriceScale, never negative, and kept inside the rule's
// optional min/max bounds.
func ComputePrice(rule *model.PriceRule, currentPrice decimal.Decimal, _ *pricingctx.PricingContext) decimal.Decimal {
	var price decimal.Decimal
	switch rule.Action.Kind {
	case model.ActionPercentage:
		factor := decimal.NewFromInt(1).Add(rule.Action.Amount.Div(hundred))
		price = currentPrice.Mul(factor)
	case model.ActionFixedDelta:
		price = currentPrice.Add(rule.Action.Amount)
	case model.ActionTargetPrice:
		price = rule.Action.Amount
	default:
		return currentPrice
	}

	price = price.Round(PriceScale)
	if price.IsNegative() {
		price = decimal.Zero
	}
	if rule.MinPrice != nil && price.LessThan(*rule.MinPrice) {
		price = *rule.MinPrice
	}
	if rule.MaxPrice != nil && price.GreaterThan(*rule.MaxPrice) {
		price = *rule.MaxPrice
	}
	return price
}
