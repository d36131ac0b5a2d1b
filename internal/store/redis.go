package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for products and the active rule set. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back to
// the primary. Everything else passes straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SetProductPrice(ctx context.Context, id string, price decimal.Decimal, expectedVersion int64) (*model.Product, error) {
	p, err := s.Store.SetProductPrice(ctx, id, price, expectedVersion)
	if err != nil {
		// A conflict means our cached copy may be stale too.
		s.rdb.Del(ctx, productKey(id))
		return nil, err
	}
	s.cache(ctx, productKey(id), p)
	return p, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	data, err := s.rdb.Get(ctx, productKey(id)).Bytes()
	if err == nil {
		var p model.Product
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.Store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, productKey(id), p)
	return p, nil
}

func (s *CachedStore) ListActiveRules(ctx context.Context, f RuleFilter) ([]model.PriceRule, error) {
	data, err := s.rdb.Get(ctx, rulesKey(f)).Bytes()
	if err == nil {
		var rules []model.PriceRule
		if json.Unmarshal(data, &rules) == nil {
			return rules, nil
		}
	}

	rules, err := s.Store.ListActiveRules(ctx, f)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, rulesKey(f), rules)
	return rules, nil
}

// InvalidateProduct drops the cached copy of one product.
func (s *CachedStore) InvalidateProduct(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, productKey(id)).Err()
}

// InvalidateRules drops every cached rule listing. Call after editing rules.
func (s *CachedStore) InvalidateRules(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, "rules:*", 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
	return iter.Err()
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func productKey(id string) string { return fmt.Sprintf("product:%s", id) }
func rulesKey(f RuleFilter) string {
	if f.RuleID == "" {
		return "rules:all"
	}
	return fmt.Sprintf("rules:%s", f.RuleID)
}
