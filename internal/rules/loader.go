package rules

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/bazaar/pricing-engine/internal/model"
)

// Pack is the on-disk YAML form of a rule set.
//
//	rules:
//	  - id: clearance-shoes
//	    scope: {kind: category, target_id: shoes}
//	    priority: 10
//	    conditions:
//	      - {field: inventory, operator: gt, value: 200}
//	    action: {kind: percentage, amount: -10}
//	    min_price: 5
type Pack struct {
	Rules []packRule `yaml:"rules"`
}

type packRule struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Scope      model.Scope     `yaml:"scope"`
	Priority   int             `yaml:"priority"`
	Active     *bool           `yaml:"active"`
	Conditions []packCondition `yaml:"conditions"`
	Action     packAction      `yaml:"action"`
	MinPrice   string          `yaml:"min_price"`
	MaxPrice   string          `yaml:"max_price"`
}

type packCondition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

type packAction struct {
	Kind   string `yaml:"kind"`
	Amount string `yaml:"amount"`
}

// packNamespace scopes the name-derived ids of rules loaded from packs.
var packNamespace = uuid.MustParse("6f1c2b8e-3d4a-5e6f-9a0b-1c2d3e4f5a6b")

// LoadRulePack reads and validates a YAML rule pack. Rules keep file order
// as their insertion order; a rule without an id gets one derived from its name.
func LoadRulePack(path string) ([]model.PriceRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack %s: %w", path, err)
	}
	return ParseRulePack(data)
}

// ParseRulePack decodes and validates a YAML rule pack.
func ParseRulePack(data []byte) ([]model.PriceRule, error) {
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRule, err)
	}

	base := time.Now().UTC()
	out := make([]model.PriceRule, 0, len(pack.Rules))
	for i, pr := range pack.Rules {
		r, err := pr.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i+1, err)
		}
		// Keep file order stable under priority ties.
		r.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		out = append(out, r)
	}
	return out, nil
}

func (pr packRule) toRule() (model.PriceRule, error) {
	r := model.PriceRule{
		ID:       pr.ID,
		Name:     pr.Name,
		Scope:    pr.Scope,
		Priority: pr.Priority,
		Active:   pr.Active == nil || *pr.Active,
	}
	if r.ID == "" {
		if r.Name == "" {
			return model.PriceRule{}, fmt.Errorf("%w: rule needs an id or a name", model.ErrInvalidRule)
		}
		// Stable across reloads so re-seeding a database does not duplicate rules.
		r.ID = uuid.NewSHA1(packNamespace, []byte(r.Name)).String()
	}

	for _, pc := range pr.Conditions {
		c, err := model.NewCondition(pc.Field, model.Operator(pc.Operator), pc.Value)
		if err != nil {
			return model.PriceRule{}, err
		}
		r.Conditions = append(r.Conditions, c)
	}

	amount, err := decimal.NewFromString(pr.Action.Amount)
	if err != nil {
		return model.PriceRule{}, fmt.Errorf("%w: action amount %q", model.ErrInvalidRule, pr.Action.Amount)
	}
	r.Action, err = model.NewAction(model.ActionKind(pr.Action.Kind), amount)
	if err != nil {
		return model.PriceRule{}, err
	}

	if r.MinPrice, err = optionalPrice(pr.MinPrice); err != nil {
		return model.PriceRule{}, err
	}
	if r.MaxPrice, err = optionalPrice(pr.MaxPrice); err != nil {
		return model.PriceRule{}, err
	}

	if err := r.Validate(); err != nil {
		return model.PriceRule{}, err
	}
	return r, nil
}

func optionalPrice(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: price bound %q", model.ErrInvalidRule, s)
	}
	return &d, nil
}
