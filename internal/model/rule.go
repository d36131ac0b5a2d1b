package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRule is returned for malformed conditions, actions or scopes.
var ErrInvalidRule = errors.New("model: invalid rule definition")

// ScopeKind is the granularity a rule applies to.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeCategory ScopeKind = "category"
	ScopeProduct  ScopeKind = "product"
)

// Scope selects the products a rule applies to. TargetID is the category
// or product id and is empty for global rules.
type Scope struct {
	Kind     ScopeKind `json:"kind" yaml:"kind"`
	TargetID string    `json:"target_id,omitempty" yaml:"target_id,omitempty"`
}

// Validate checks that scoped rules carry their target id.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		if s.TargetID != "" {
			return fmt.Errorf("%w: global scope must not carry a target id", ErrInvalidRule)
		}
	case ScopeCategory, ScopeProduct:
		if s.TargetID == "" {
			return fmt.Errorf("%w: %s scope requires a target id", ErrInvalidRule, s.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, s.Kind)
	}
	return nil
}

// Matches reports whether the scope covers the given product.
func (s Scope) Matches(productID, categoryID string) bool {
	switch s.Kind {
	case ScopeGlobal:
		return true
	case ScopeCategory:
		return s.TargetID == categoryID
	case ScopeProduct:
		return s.TargetID == productID
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

// Known reports whether op is a supported operator.
func (op Operator) Known() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpNotContains:
		return true
	}
	return false
}

// Condition compares one pricing signal against a fixed value.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// NewCondition builds a validated condition.
func NewCondition(field string, op Operator, value any) (Condition, error) {
	c := Condition{Field: field, Operator: op, Value: value}
	if err := c.Validate(); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// Validate rejects empty fields, unknown operators and nil values.
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("%w: condition field is empty", ErrInvalidRule)
	}
	if !c.Operator.Known() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, c.Operator)
	}
	if c.Value == nil {
		return fmt.Errorf("%w: condition on %s has no value", ErrInvalidRule, c.Field)
	}
	return nil
}

// ActionKind is how a rule moves the price.
type ActionKind string

const (
	ActionPercentage  ActionKind = "percentage"
	ActionFixedDelta  ActionKind = "fixed_delta"
	ActionTargetPrice ActionKind = "target_price"
)

// Action is the price adjustment a matching rule applies.
type Action struct {
	Kind   ActionKind      `json:"kind" yaml:"kind"`
	Amount decimal.Decimal `json:"amount" yaml:"amount"`
}

// NewAction builds a validated action.
func NewAction(kind ActionKind, amount decimal.Decimal) (Action, error) {
	a := Action{Kind: kind, Amount: amount}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

// Validate rejects unknown kinds and negative target prices.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionPercentage, ActionFixedDelta:
	case ActionTargetPrice:
		if a.Amount.IsNegative() {
			return fmt.Errorf("%w: target price %s is negative", ErrInvalidRule, a.Amount)
		}
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrInvalidRule, a.Kind)
	}
	return nil
}

// PriceRule is an administrator-defined price adjustment. Rules are
// deactivated rather than deleted so the audit trail keeps resolving.
type PriceRule struct {
	ID         string           `json:"id" db:"id"`
	Name       string           `json:"name" db:"name"`
	Scope      Scope            `json:"scope" db:"scope"`
	Conditions []Condition      `json:"conditions" db:"conditions"`
	Action     Action           `json:"action" db:"action"`
	Priority   int              `json:"priority" db:"priority"` // lower runs first
	Active     bool             `json:"active" db:"active"`
	MinPrice   *decimal.Decimal `json:"min_price,omitempty" db:"min_price"`
	MaxPrice   *decimal.Decimal `json:"max_price,omitempty" db:"max_price"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// Validate checks scope, every condition, the action and the bounds.
func (r *PriceRule) Validate() error {
	if err := r.Scope.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.MinPrice != nil && r.MaxPrice != nil && r.MinPrice.GreaterThan(*r.MaxPrice) {
		return fmt.Errorf("rule %s: %w: min price %s above max price %s",
			r.ID, ErrInvalidRule, r.MinPrice, r.MaxPrice)
	}
	return nil
}
