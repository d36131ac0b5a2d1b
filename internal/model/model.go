// Package model defines the core domain types shared across the pricing engine.
// All monetary values use shopspring/decimal; money is never a float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason records why a price changed.
type Reason string

const (
	ReasonRuleBased  Reason = "rule_based"
	ReasonManual     Reason = "manual"
	ReasonSurge      Reason = "surge"
	ReasonExperiment Reason = "experiment"
)

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonRuleBased, ReasonManual, ReasonSurge, ReasonExperiment:
		return true
	}
	return false
}

// Product is the slice of a catalog product the engine reads and writes.
// Version increases on every price write and guards concurrent passes.
type Product struct {
	ID             string          `json:"id" db:"id"`
	CategoryID     string          `json:"category_id" db:"category_id"`
	Price          decimal.Decimal `json:"price" db:"price"`
	InventoryLevel int64           `json:"inventory_level" db:"inventory_level"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	Version        int64           `json:"version" db:"version"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// DemandSignals are the raw demand counters for one product.
type DemandSignals struct {
	Views24h    int64 `json:"views_24h"`
	Orders24h   int64 `json:"orders_24h"`
	Orders7d    int64 `json:"orders_7d"`
	CartAdds24h int64 `json:"cart_adds_24h"`
}

// PriceChangeRecord is an immutable audit entry for a price mutation.
// Once created, these are never modified or deleted.
type PriceChangeRecord struct {
	ID           string          `json:"id" db:"id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	OldPrice     decimal.Decimal `json:"old_price" db:"old_price"`
	NewPrice     decimal.Decimal `json:"new_price" db:"new_price"`
	Reason       Reason          `json:"reason" db:"reason"`
	RuleID       string          `json:"rule_id,omitempty" db:"rule_id"`
	ExperimentID string          `json:"experiment_id,omitempty" db:"experiment_id"`
	Note         string          `json:"note,omitempty" db:"note"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Surge event types.
const (
	SurgeDemandSpike = "demand_spike"
	SurgeLowStock    = "low_stock"
)

// SurgePricingEvent is a bounded-lifetime price multiplier on one product.
// Closed events are kept for history. RevertedAt is set once the product
// price no longer carries the surge; a closed event without it is still
// owed a reversion.
type SurgePricingEvent struct {
	ID         string          `json:"id" db:"id"`
	ProductID  string          `json:"product_id" db:"product_id"`
	EventType  string          `json:"event_type" db:"event_type"`
	Multiplier decimal.Decimal `json:"multiplier" db:"multiplier"`
	BasePrice  decimal.Decimal `json:"base_price" db:"base_price"` // price before the surge
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	IsActive   bool            `json:"is_active" db:"is_active"`
	RevertedAt *time.Time      `json:"reverted_at,omitempty" db:"reverted_at"`
}

// PendingReversion reports whether the event is closed but its price was
// never reverted.
func (e *SurgePricingEvent) PendingReversion() bool {
	return !e.IsActive && e.RevertedAt == nil
}

// Current reports whether the event is active and not yet past its end.
func (e *SurgePricingEvent) Current(now time.Time) bool {
	if !e.IsActive {
		return false
	}
	return e.EndedAt == nil || !e.EndedAt.Before(now)
}

// Experiment winners.
type Winner string

const (
	WinnerNone    Winner = "none"
	WinnerControl Winner = "control"
	WinnerVariant Winner = "variant"
)

// Experiment arms.
const (
	ArmControl = "control"
	ArmVariant = "variant"
)

// PriceExperiment is an A/B test between the control price and a variant.
// Counters only grow until CompletedAt is set; after that the record is frozen.
type PriceExperiment struct {
	ID                 string          `json:"id" db:"id"`
	ProductID          string          `json:"product_id" db:"product_id"`
	ControlPrice       decimal.Decimal `json:"control_price" db:"control_price"`
	VariantPrice       decimal.Decimal `json:"variant_price" db:"variant_price"`
	ControlImpressions int64           `json:"control_impressions" db:"control_impressions"`
	VariantImpressions int64           `json:"variant_impressions" db:"variant_impressions"`
	ControlConversions int64           `json:"control_conversions" db:"control_conversions"`
	VariantConversions int64           `json:"variant_conversions" db:"variant_conversions"`
	StartedAt          time.Time       `json:"started_at" db:"started_at"`
	ConfidenceLevel    float64         `json:"confidence_level" db:"confidence_level"` // percent, 0..100
	Winner             Winner          `json:"winner" db:"winner"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Completed reports whether the experiment is frozen.
func (e *PriceExperiment) Completed() bool {
	return e.CompletedAt != nil
}

// ExperimentUpdate carries the analyzer's output for one experiment.
type ExperimentUpdate struct {
	ConfidenceLevel float64
	Winner          Winner
	CompletedAt     *time.Time
}
