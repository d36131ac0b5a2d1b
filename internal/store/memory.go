package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	products    map[string]*model.Product
	rules       []model.PriceRule // insertion order
	audit       []model.PriceChangeRecord
	surges      []model.SurgePricingEvent
	experiments map[string]*model.PriceExperiment
	demand      map[string]model.DemandSignals
	competitor  map[string]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:    make(map[string]*model.Product),
		experiments: make(map[string]*model.PriceExperiment),
		demand:      make(map[string]model.DemandSignals),
		competitor:  make(map[string]decimal.Decimal),
	}
}

// --- Seeding (catalog and admin collaborators) ---

// PutProduct inserts or replaces a product.
func (s *MemoryStore) PutProduct(p *model.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *p
	s.products[p.ID] = &copy
}

// PutRule inserts a rule, or replaces the rule with the same ID in place.
func (s *MemoryStore) PutRule(r model.PriceRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == r.ID {
			s.rules[i] = r
			return
		}
	}
	s.rules = append(s.rules, r)
}

// PutExperiment inserts or replaces an experiment.
func (s *MemoryStore) PutExperiment(e *model.PriceExperiment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *e
	s.experiments[e.ID] = &copy
}

// SetDemandSignals replaces a product's demand counters.
func (s *MemoryStore) SetDemandSignals(productID string, sig model.DemandSignals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demand[productID] = sig
}

// SetCompetitorPrice records the lowest competitor price for a product.
func (s *MemoryStore) SetCompetitorPrice(productID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitor[productID] = price
}

// --- Products ---

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListProducts(_ context.Context, f ProductFilter) ([]model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.IsActive {
			continue
		}
		if f.CategoryID != "" && p.CategoryID != f.CategoryID {
			continue
		}
		if f.ProductID != "" && p.ID != f.ProductID {
			continue
		}
		products = append(products, *p)
	}
	return products, nil
}

func (s *MemoryStore) SetProductPrice(_ context.Context, id string, price decimal.Decimal, expectedVersion int64) (*model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if p.Version != expectedVersion {
		return nil, fmt.Errorf("product %s at version %d, expected %d: %w",
			id, p.Version, expectedVersion, ErrWriteConflict)
	}
	p.Price = price
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	copy := *p
	return &copy, nil
}

// --- Rules ---

func (s *MemoryStore) ListActiveRules(_ context.Context, f RuleFilter) ([]model.PriceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []model.PriceRule
	for _, r := range s.rules {
		if !r.Active {
			continue
		}
		if f.RuleID != "" && r.ID != f.RuleID {
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// --- Immutable audit trail ---

func (s *MemoryStore) AppendPriceChangeRecord(_ context.Context, rec *model.PriceChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *rec)
	return nil
}

func (s *MemoryStore) ListPriceChangeRecords(_ context.Context, productID string) ([]model.PriceChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceChangeRecord
	for _, r := range s.audit {
		if r.ProductID == productID {
			result = append(result, r)
		}
	}
	return result, nil
}

// --- Surges ---

func (s *MemoryStore) GetActiveSurge(_ context.Context, productID string) (*model.SurgePricingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.surges {
		ev := s.surges[i]
		if ev.ProductID == productID && ev.IsActive {
			return &ev, nil
		}
	}
	return nil, fmt.Errorf("active surge for product %s: %w", productID, ErrNotFound)
}

func (s *MemoryStore) CreateSurge(_ context.Context, ev *model.SurgePricingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.surges {
		if existing.ProductID == ev.ProductID && existing.IsActive {
			return fmt.Errorf("product %s: %w", ev.ProductID, ErrSurgeActive)
		}
	}
	s.surges = append(s.surges, *ev)
	return nil
}

func (s *MemoryStore) DeactivateSurge(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.surges {
		if s.surges[i].ID != id {
			continue
		}
		s.surges[i].IsActive = false
		if s.surges[i].EndedAt == nil || s.surges[i].EndedAt.After(at) {
			ended := at
			s.surges[i].EndedAt = &ended
		}
		return nil
	}
	return fmt.Errorf("surge %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) MarkSurgeReverted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.surges {
		if s.surges[i].ID == id {
			reverted := at
			s.surges[i].RevertedAt = &reverted
			return nil
		}
	}
	return fmt.Errorf("surge %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) ListUnrevertedSurges(_ context.Context) ([]model.SurgePricingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SurgePricingEvent
	for _, ev := range s.surges {
		if ev.PendingReversion() {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountActiveSurges(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ev := range s.surges {
		if ev.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListExpiredActiveSurges(_ context.Context, now time.Time) ([]model.SurgePricingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SurgePricingEvent
	for _, ev := range s.surges {
		if ev.IsActive && ev.EndedAt != nil && ev.EndedAt.Before(now) {
			result = append(result, ev)
		}
	}
	return result, nil
}

// Surges returns every surge event for a product, active or not.
func (s *MemoryStore) Surges(productID string) []model.SurgePricingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SurgePricingEvent
	for _, ev := range s.surges {
		if ev.ProductID == productID {
			result = append(result, ev)
		}
	}
	return result
}

// PutSurge stores a surge event without the single-active check.
func (s *MemoryStore) PutSurge(ev model.SurgePricingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surges = append(s.surges, ev)
}

// --- Experiments ---

func (s *MemoryStore) ListActiveExperiments(_ context.Context, f ExperimentFilter) ([]model.PriceExperiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceExperiment
	for _, e := range s.experiments {
		if e.Completed() {
			continue
		}
		if f.ExperimentID != "" && e.ID != f.ExperimentID {
			continue
		}
		if f.ProductID != "" && e.ProductID != f.ProductID {
			continue
		}
		result = append(result, *e)
	}
	return result, nil
}

func (s *MemoryStore) GetExperiment(_ context.Context, id string) (*model.PriceExperiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) UpdateExperiment(_ context.Context, id string, upd model.ExperimentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if e.Completed() {
		return fmt.Errorf("experiment %s: %w", id, ErrExperimentFrozen)
	}
	e.ConfidenceLevel = upd.ConfidenceLevel
	e.Winner = upd.Winner
	e.CompletedAt = upd.CompletedAt
	return nil
}

func (s *MemoryStore) RecordImpression(_ context.Context, id, arm string) error {
	return s.bump(id, arm, func(e *model.PriceExperiment, control bool) {
		if control {
			e.ControlImpressions++
		} else {
			e.VariantImpressions++
		}
	})
}

func (s *MemoryStore) RecordConversion(_ context.Context, id, arm string) error {
	return s.bump(id, arm, func(e *model.PriceExperiment, control bool) {
		if control {
			e.ControlConversions++
		} else {
			e.VariantConversions++
		}
	})
}

func (s *MemoryStore) bump(id, arm string, fn func(e *model.PriceExperiment, control bool)) error {
	if arm != model.ArmControl && arm != model.ArmVariant {
		return fmt.Errorf("store: unknown experiment arm %q", arm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if e.Completed() {
		return fmt.Errorf("experiment %s: %w", id, ErrExperimentFrozen)
	}
	fn(e, arm == model.ArmControl)
	return nil
}

// --- Signals ---

func (s *MemoryStore) GetDemandSignals(_ context.Context, productID string) (model.DemandSignals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.demand[productID], nil
}

func (s *MemoryStore) GetCompetitorPrice(_ context.Context, productID string) (*decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.competitor[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
