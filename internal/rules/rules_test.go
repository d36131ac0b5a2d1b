package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/pricingctx"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

func testContext() *pricingctx.PricingContext {
	return &pricingctx.PricingContext{
		ProductID:      "42",
		CategoryID:     "shoes",
		CurrentPrice:   d(100),
		InventoryLevel: 250,
		Season:         "winter",
	}
}

func rule(id string, priority int, scope model.Scope, conds ...model.Condition) model.PriceRule {
	return model.PriceRule{
		ID:         id,
		Scope:      scope,
		Conditions: conds,
		Action:     model.Action{Kind: model.ActionPercentage, Amount: d(-10)},
		Priority:   priority,
		Active:     true,
	}
}

var global = model.Scope{Kind: model.ScopeGlobal}

// --- Selection tests ---

func TestSelectApplicableRule_EmptyConditionsMatchScope(t *testing.T) {
	rules := []model.PriceRule{
		rule("other-product", 1, model.Scope{Kind: model.ScopeProduct, TargetID: "7"}),
		rule("this-product", 2, model.Scope{Kind: model.ScopeProduct, TargetID: "42"}),
	}

	got := SelectApplicableRule(rules, testContext())
	if got == nil || got.ID != "this-product" {
		t.Fatalf("expected this-product, got %+v", got)
	}
}

func TestSelectApplicableRule_FirstMatchInPriorityOrder(t *testing.T) {
	now := time.Now()
	rules := []model.PriceRule{
		rule("low-priority", 50, global),
		rule("high-priority", 10, global),
		rule("tie-later", 5, global),
		rule("tie-earlier", 5, global),
	}
	rules[2].CreatedAt = now.Add(time.Second)
	rules[3].CreatedAt = now

	SortRules(rules)
	got := SelectApplicableRule(rules, testContext())
	if got == nil || got.ID != "tie-earlier" {
		t.Fatalf("expected tie-earlier, got %+v", got)
	}
}

func TestSortRules_TieBreaksOnIDWhenCreatedTogether(t *testing.T) {
	rules := []model.PriceRule{rule("b", 1, global), rule("a", 1, global)}
	SortRules(rules)
	if rules[0].ID != "a" {
		t.Errorf("expected a first, got %s", rules[0].ID)
	}
}

func TestSelectApplicableRule_AllConditionsMustHold(t *testing.T) {
	rules := []model.PriceRule{
		rule("both", 1, global,
			model.Condition{Field: "inventory", Operator: model.OpGt, Value: 200},
			model.Condition{Field: "season", Operator: model.OpEq, Value: "summer"},
		),
		rule("inventory-only", 2, global,
			model.Condition{Field: "inventory", Operator: model.OpGt, Value: 200},
		),
	}

	got := SelectApplicableRule(rules, testContext())
	if got == nil || got.ID != "inventory-only" {
		t.Fatalf("expected inventory-only, got %+v", got)
	}
}

func TestSelectApplicableRule_CategoryScope(t *testing.T) {
	rules := []model.PriceRule{
		rule("hats", 1, model.Scope{Kind: model.ScopeCategory, TargetID: "hats"}),
		rule("shoes", 2, model.Scope{Kind: model.ScopeCategory, TargetID: "shoes"}),
	}
	got := SelectApplicableRule(rules, testContext())
	if got == nil || got.ID != "shoes" {
		t.Fatalf("expected shoes, got %+v", got)
	}
}

func TestSelectApplicableRule_InvalidRuleFailsClosed(t *testing.T) {
	broken := rule("broken", 1, global,
		model.Condition{Field: "inventory", Operator: "approximately", Value: 200})
	missingScopeID := rule("missing-scope-id", 2, model.Scope{Kind: model.ScopeCategory})
	good := rule("good", 3, global)

	got := SelectApplicableRule([]model.PriceRule{broken, missingScopeID, good}, testContext())
	if got == nil || got.ID != "good" {
		t.Fatalf("expected invalid rules to be skipped, got %+v", got)
	}
}

func TestSelectApplicableRule_InactiveAndUnknownFieldNeverMatch(t *testing.T) {
	inactive := rule("inactive", 1, global)
	inactive.Active = false
	unknown := rule("unknown-field", 2, global,
		model.Condition{Field: "moon_phase", Operator: model.OpNeq, Value: "full"})

	if got := SelectApplicableRule([]model.PriceRule{inactive, unknown}, testContext()); got != nil {
		t.Errorf("expected no match, got %s", got.ID)
	}
}

// --- Price computation tests ---

func TestComputePrice_Percentage(t *testing.T) {
	r := rule("p", 1, global)
	got := ComputePrice(&r, d(100), nil)
	if !got.Equal(d(90)) {
		t.Errorf("expected 90, got %s", got)
	}

	r.Action.Amount = d(15)
	if got := ComputePrice(&r, d(19.99), nil); !got.Equal(d(22.99)) {
		t.Errorf("expected 22.99, got %s", got)
	}
}

func TestComputePrice_FixedDeltaAndTarget(t *testing.T) {
	r := rule("f", 1, global)
	r.Action = model.Action{Kind: model.ActionFixedDelta, Amount: d(-2.5)}
	if got := ComputePrice(&r, d(10), nil); !got.Equal(d(7.5)) {
		t.Errorf("expected 7.5, got %s", got)
	}

	r.Action = model.Action{Kind: model.ActionTargetPrice, Amount: d(49.99)}
	if got := ComputePrice(&r, d(10), nil); !got.Equal(d(49.99)) {
		t.Errorf("expected 49.99, got %s", got)
	}
}

func TestComputePrice_ClampedNonNegative(t *testing.T) {
	r := rule("big-cut", 1, global)
	r.Action = model.Action{Kind: model.ActionPercentage, Amount: d(-150)}
	if got := ComputePrice(&r, d(100), nil); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}

	r.Action = model.Action{Kind: model.ActionFixedDelta, Amount: d(-500)}
	if got := ComputePrice(&r, d(100), nil); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestComputePrice_RuleBounds(t *testing.T) {
	r := rule("bounded", 1, global)
	r.Action = model.Action{Kind: model.ActionPercentage, Amount: d(-50)}
	r.MinPrice = dp(60)
	if got := ComputePrice(&r, d(100), nil); !got.Equal(d(60)) {
		t.Errorf("expected floor 60, got %s", got)
	}

	r.Action = model.Action{Kind: model.ActionPercentage, Amount: d(50)}
	r.MaxPrice = dp(120)
	if got := ComputePrice(&r, d(100), nil); !got.Equal(d(120)) {
		t.Errorf("expected ceiling 120, got %s", got)
	}
}

// --- Rule pack loading ---

const samplePack = `
rules:
  - id: clearance-shoes
    name: Shoe clearance
    scope: {kind: category, target_id: shoes}
    priority: 10
    conditions:
      - {field: inventory, operator: gt, value: 200}
      - {field: season, operator: eq, value: winter}
    action: {kind: percentage, amount: -10}
    min_price: 5
  - id: weekend-markup
    scope: {kind: global}
    priority: 20
    active: false
    action: {kind: fixed_delta, amount: 1.5}
`

func TestParseRulePack(t *testing.T) {
	rules, err := ParseRulePack([]byte(samplePack))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	r := rules[0]
	if r.Scope.Kind != model.ScopeCategory || r.Scope.TargetID != "shoes" {
		t.Errorf("unexpected scope %+v", r.Scope)
	}
	if len(r.Conditions) != 2 || !r.Active {
		t.Errorf("unexpected rule %+v", r)
	}
	if !r.Action.Amount.Equal(d(-10)) || r.MinPrice == nil || !r.MinPrice.Equal(d(5)) {
		t.Errorf("unexpected action/bounds %+v min=%v", r.Action, r.MinPrice)
	}
	if rules[1].Active {
		t.Error("second rule should be inactive")
	}
	if !rules[0].CreatedAt.Before(rules[1].CreatedAt) {
		t.Error("file order should be kept as insertion order")
	}

	if got := SelectApplicableRule(rules, testContext()); got == nil || got.ID != "clearance-shoes" {
		t.Errorf("loaded rule should match the test context, got %+v", got)
	}
}

func TestParseRulePack_RejectsInvalidShapes(t *testing.T) {
	packs := []string{
		"rules:\n  - {id: a, scope: {kind: product}, action: {kind: percentage, amount: 5}}",
		"rules:\n  - {id: b, scope: {kind: global}, action: {kind: discount, amount: 5}}",
		"rules:\n  - {id: c, scope: {kind: global}, action: {kind: target_price, amount: -1}}",
		"rules:\n  - id: d\n    scope: {kind: global}\n    conditions: [{field: price, operator: like, value: 1}]\n    action: {kind: percentage, amount: 5}",
		"rules:\n  - {id: e, scope: {kind: global}, action: {kind: percentage, amount: lots}}",
	}
	for _, p := range packs {
		if _, err := ParseRulePack([]byte(p)); !errors.Is(err, model.ErrInvalidRule) {
			t.Errorf("expected ErrInvalidRule for %q, got %v", p, err)
		}
	}
}

func TestParseRulePack_DerivesStableIDFromName(t *testing.T) {
	pack := "rules:\n  - {name: Night owl, scope: {kind: global}, action: {kind: percentage, amount: 5}}"

	first, err := ParseRulePack([]byte(pack))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := ParseRulePack([]byte(pack))
	if first[0].ID == "" || first[0].ID != second[0].ID {
		t.Errorf("expected the same derived id on reload, got %q and %q", first[0].ID, second[0].ID)
	}

	if _, err := ParseRulePack([]byte("rules:\n  - {scope: {kind: global}, action: {kind: percentage, amount: 5}}")); !errors.Is(err, model.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for a rule with neither id nor name, got %v", err)
	}
}
