// Package store defines the collaborator contracts the pricing engine reads
// and writes through. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrWriteConflict is returned when a price write carries a stale
	// product version.
	ErrWriteConflict = errors.New("store: write conflict")

	// ErrSurgeActive is returned when a product already has a current surge.
	ErrSurgeActive = errors.New("store: product already has an active surge")

	// ErrExperimentFrozen is returned when a completed experiment is mutated.
	ErrExperimentFrozen = errors.New("store: experiment is completed")
)

// ProductFilter narrows product listings. Empty fields match everything.
// Listings only return active products.
type ProductFilter struct {
	CategoryID string
	ProductID  string
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	RuleID string
}

// ExperimentFilter narrows experiment listings.
type ExperimentFilter struct {
	ExperimentID string
	ProductID    string
}

// ProductStore is the catalog collaborator.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error)

	// SetProductPrice writes a new price when the stored version equals
	// expectedVersion, bumping the version. A mismatch is ErrWriteConflict.
	SetProductPrice(ctx context.Context, id string, price decimal.Decimal, expectedVersion int64) (*model.Product, error)
}

// RuleStore lists administrator-defined rules.
type RuleStore interface {
	// ListActiveRules returns active rules; callers sort by priority.
	ListActiveRules(ctx context.Context, filter RuleFilter) ([]model.PriceRule, error)
}

// AuditStore is the append-only price change trail.
type AuditStore interface {
	AppendPriceChangeRecord(ctx context.Context, rec *model.PriceChangeRecord) error
	// ListPriceChangeRecords returns a product's records, oldest first.
	ListPriceChangeRecords(ctx context.Context, productID string) ([]model.PriceChangeRecord, error)
}

// SurgeStore persists surge events.
type SurgeStore interface {
	// GetActiveSurge returns the product's surge with is_active set, which
	// may already be past its end and waiting for the expiry sweep.
	// Returns ErrNotFound when there is none.
	GetActiveSurge(ctx context.Context, productID string) (*model.SurgePricingEvent, error)
	// CreateSurge fails with ErrSurgeActive when the product has an active surge.
	CreateSurge(ctx context.Context, ev *model.SurgePricingEvent) error
	DeactivateSurge(ctx context.Context, id string, at time.Time) error
	// MarkSurgeReverted records that the product no longer carries the
	// surge price.
	MarkSurgeReverted(ctx context.Context, id string, at time.Time) error
	ListExpiredActiveSurges(ctx context.Context, now time.Time) ([]model.SurgePricingEvent, error)
	// ListUnrevertedSurges returns closed surges still owed a reversion,
	// oldest first.
	ListUnrevertedSurges(ctx context.Context) ([]model.SurgePricingEvent, error)
	CountActiveSurges(ctx context.Context) (int, error)
}

// ExperimentStore persists price experiments.
type ExperimentStore interface {
	ListActiveExperiments(ctx context.Context, filter ExperimentFilter) ([]model.PriceExperiment, error)
	GetExperiment(ctx context.Context, id string) (*model.PriceExperiment, error)
	UpdateExperiment(ctx context.Context, id string, upd model.ExperimentUpdate) error
	// RecordImpression and RecordConversion bump one arm's counters.
	RecordImpression(ctx context.Context, id, arm string) error
	RecordConversion(ctx context.Context, id, arm string) error
}

// DemandSource supplies demand counters for a product.
type DemandSource interface {
	GetDemandSignals(ctx context.Context, productID string) (model.DemandSignals, error)
}

// CompetitorSource supplies the lowest known competitor price, or nil.
type CompetitorSource interface {
	GetCompetitorPrice(ctx context.Context, productID string) (*decimal.Decimal, error)
}

// Store is the full persistence surface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	ProductStore
	RuleStore
	AuditStore
	SurgeStore
	ExperimentStore
	DemandSource
	CompetitorSource
}
