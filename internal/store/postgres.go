package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the engine's tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// --- Products ---

const productColumns = `id, category_id, price::TEXT, inventory_level, is_active, version, updated_at`

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, f ProductFilter) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products
		 WHERE is_active
		   AND ($1 = '' OR category_id = $1)
		   AND ($2 = '' OR id = $2)
		 ORDER BY id`, f.CategoryID, f.ProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) SetProductPrice(ctx context.Context, id string, price decimal.Decimal, expectedVersion int64) (*model.Product, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE products
		 SET price = $2::NUMERIC, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $3
		 RETURNING `+productColumns,
		id, price.String(), expectedVersion)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the product vanished or another writer got there first.
		if _, getErr := s.GetProduct(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("product %s expected version %d: %w", id, expectedVersion, ErrWriteConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("set price %s: %w", id, err)
	}
	return p, nil
}

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	var priceS string
	if err := row.Scan(&p.ID, &p.CategoryID, &priceS, &p.InventoryLevel,
		&p.IsActive, &p.Version, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Price, _ = decimal.NewFromString(priceS)
	return &p, nil
}

// --- Rules ---

func (s *PostgresStore) ListActiveRules(ctx context.Context, f RuleFilter) ([]model.PriceRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, scope_kind, scope_id, conditions, action_kind, amount::TEXT,
		        priority, active, min_price::TEXT, max_price::TEXT, created_at
		 FROM price_rules
		 WHERE active AND ($1 = '' OR id = $1)
		 ORDER BY priority, created_at, id`, f.RuleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.PriceRule
	for rows.Next() {
		var r model.PriceRule
		var scopeKind, actionKind, amountS string
		var conditions []byte
		var minS, maxS *string

		if err := rows.Scan(&r.ID, &r.Name, &scopeKind, &r.Scope.TargetID, &conditions,
			&actionKind, &amountS, &r.Priority, &r.Active, &minS, &maxS, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Scope.Kind = model.ScopeKind(scopeKind)
		r.Action.Kind = model.ActionKind(actionKind)
		r.Action.Amount, _ = decimal.NewFromString(amountS)
		r.MinPrice = parseOptionalDecimal(minS)
		r.MaxPrice = parseOptionalDecimal(maxS)

		// A malformed condition payload surfaces as an invalid rule at
		// evaluation time rather than failing the whole listing.
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			r.Conditions = []model.Condition{{Field: "", Operator: "invalid"}}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateRule persists a rule definition. Used by the rule-pack importer.
func (s *PostgresStore) CreateRule(ctx context.Context, r *model.PriceRule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO price_rules (id, name, scope_kind, scope_id, conditions, action_kind, amount,
		                          priority, active, min_price, max_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10::NUMERIC, $11::NUMERIC, $12)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Name, string(r.Scope.Kind), r.Scope.TargetID, conditions,
		string(r.Action.Kind), r.Action.Amount.String(), r.Priority, r.Active,
		optionalDecimalString(r.MinPrice), optionalDecimalString(r.MaxPrice), r.CreatedAt)
	return err
}

// --- Immutable audit trail ---

func (s *PostgresStore) AppendPriceChangeRecord(ctx context.Context, rec *model.PriceChangeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_change_records
		   (id, product_id, old_price, new_price, reason, rule_id, experiment_id, note, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ProductID, rec.OldPrice.String(), rec.NewPrice.String(),
		string(rec.Reason), rec.RuleID, rec.ExperimentID, rec.Note, rec.CreatedAt)
	return err
}

func (s *PostgresStore) ListPriceChangeRecords(ctx context.Context, productID string) ([]model.PriceChangeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, old_price::TEXT, new_price::TEXT, reason,
		        rule_id, experiment_id, note, created_at
		 FROM price_change_records WHERE product_id = $1 ORDER BY created_at, id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PriceChangeRecord
	for rows.Next() {
		var r model.PriceChangeRecord
		var oldS, newS, reason string
		if err := rows.Scan(&r.ID, &r.ProductID, &oldS, &newS, &reason,
			&r.RuleID, &r.ExperimentID, &r.Note, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.OldPrice, _ = decimal.NewFromString(oldS)
		r.NewPrice, _ = decimal.NewFromString(newS)
		r.Reason = model.Reason(reason)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Surges ---

const surgeColumns = `id, product_id, event_type, multiplier::TEXT, base_price::TEXT, started_at, ended_at, is_active, reverted_at`

func (s *PostgresStore) GetActiveSurge(ctx context.Context, productID string) (*model.SurgePricingEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+surgeColumns+` FROM surge_pricing_events
		 WHERE product_id = $1 AND is_active LIMIT 1`, productID)
	ev, err := scanSurge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active surge for product %s: %w", productID, ErrNotFound)
	}
	return ev, err
}

func (s *PostgresStore) CreateSurge(ctx context.Context, ev *model.SurgePricingEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO surge_pricing_events
		   (id, product_id, event_type, multiplier, base_price, started_at, ended_at, is_active)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		ev.ID, ev.ProductID, ev.EventType, ev.Multiplier.String(), ev.BasePrice.String(),
		ev.StartedAt, ev.EndedAt, ev.IsActive)

	// surge_one_active_per_product enforces the single active surge.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("product %s: %w", ev.ProductID, ErrSurgeActive)
	}
	return err
}

func (s *PostgresStore) DeactivateSurge(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE surge_pricing_events
		 SET is_active = FALSE,
		     ended_at = CASE WHEN ended_at IS NULL OR ended_at > $2 THEN $2 ELSE ended_at END
		 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("surge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkSurgeReverted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE surge_pricing_events SET reverted_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("surge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListExpiredActiveSurges(ctx context.Context, now time.Time) ([]model.SurgePricingEvent, error) {
	return s.querySurges(ctx,
		`SELECT `+surgeColumns+` FROM surge_pricing_events
		 WHERE is_active AND ended_at IS NOT NULL AND ended_at < $1
		 ORDER BY ended_at`, now)
}

func (s *PostgresStore) ListUnrevertedSurges(ctx context.Context) ([]model.SurgePricingEvent, error) {
	return s.querySurges(ctx,
		`SELECT `+surgeColumns+` FROM surge_pricing_events
		 WHERE NOT is_active AND reverted_at IS NULL
		 ORDER BY ended_at`)
}

func (s *PostgresStore) CountActiveSurges(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM surge_pricing_events WHERE is_active`).Scan(&n)
	return n, err
}

func (s *PostgresStore) querySurges(ctx context.Context, sql string, args ...any) ([]model.SurgePricingEvent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.SurgePricingEvent
	for rows.Next() {
		ev, err := scanSurge(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func scanSurge(row pgx.Row) (*model.SurgePricingEvent, error) {
	var ev model.SurgePricingEvent
	var multS, baseS string
	if err := row.Scan(&ev.ID, &ev.ProductID, &ev.EventType, &multS, &baseS,
		&ev.StartedAt, &ev.EndedAt, &ev.IsActive, &ev.RevertedAt); err != nil {
		return nil, err
	}
	ev.Multiplier, _ = decimal.NewFromString(multS)
	ev.BasePrice, _ = decimal.NewFromString(baseS)
	return &ev, nil
}

// --- Experiments ---

const experimentColumns = `id, product_id, control_price::TEXT, variant_price::TEXT,
	control_impressions, variant_impressions, control_conversions, variant_conversions,
	started_at, confidence_level, winner, completed_at`

func (s *PostgresStore) ListActiveExperiments(ctx context.Context, f ExperimentFilter) ([]model.PriceExperiment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM price_experiments
		 WHERE completed_at IS NULL
		   AND ($1 = '' OR id = $1)
		   AND ($2 = '' OR product_id = $2)
		 ORDER BY started_at`, f.ExperimentID, f.ProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []model.PriceExperiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, *e)
	}
	return experiments, rows.Err()
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.PriceExperiment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+experimentColumns+` FROM price_experiments WHERE id = $1`, id)
	e, err := scanExperiment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, id string, upd model.ExperimentUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE price_experiments
		 SET confidence_level = $2, winner = $3, completed_at = $4
		 WHERE id = $1 AND completed_at IS NULL`,
		id, upd.ConfidenceLevel, string(upd.Winner), upd.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrFrozen(ctx, id)
	}
	return nil
}

func (s *PostgresStore) RecordImpression(ctx context.Context, id, arm string) error {
	column, err := armColumn(arm, "impressions")
	if err != nil {
		return err
	}
	return s.bumpCounter(ctx, id, column)
}

func (s *PostgresStore) RecordConversion(ctx context.Context, id, arm string) error {
	column, err := armColumn(arm, "conversions")
	if err != nil {
		return err
	}
	return s.bumpCounter(ctx, id, column)
}

func (s *PostgresStore) bumpCounter(ctx context.Context, id, column string) error {
	// column comes from armColumn, never from user input.
	tag, err := s.pool.Exec(ctx,
		`UPDATE price_experiments SET `+column+` = `+column+` + 1
		 WHERE id = $1 AND completed_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrFrozen(ctx, id)
	}
	return nil
}

func (s *PostgresStore) missingOrFrozen(ctx context.Context, id string) error {
	if _, err := s.GetExperiment(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("experiment %s: %w", id, ErrExperimentFrozen)
}

func armColumn(arm, counter string) (string, error) {
	switch arm {
	case model.ArmControl, model.ArmVariant:
		return arm + "_" + counter, nil
	}
	return "", fmt.Errorf("store: unknown experiment arm %q", arm)
}

func scanExperiment(row pgx.Row) (*model.PriceExperiment, error) {
	var e model.PriceExperiment
	var controlS, variantS, winner string
	if err := row.Scan(&e.ID, &e.ProductID, &controlS, &variantS,
		&e.ControlImpressions, &e.VariantImpressions, &e.ControlConversions, &e.VariantConversions,
		&e.StartedAt, &e.ConfidenceLevel, &winner, &e.CompletedAt); err != nil {
		return nil, err
	}
	e.ControlPrice, _ = decimal.NewFromString(controlS)
	e.VariantPrice, _ = decimal.NewFromString(variantS)
	e.Winner = model.Winner(winner)
	return &e, nil
}

// --- Signals ---

func (s *PostgresStore) GetDemandSignals(ctx context.Context, productID string) (model.DemandSignals, error) {
	var sig model.DemandSignals
	err := s.pool.QueryRow(ctx,
		`SELECT views_24h, orders_24h, orders_7d, cart_adds_24h
		 FROM product_demand WHERE product_id = $1`, productID).
		Scan(&sig.Views24h, &sig.Orders24h, &sig.Orders7d, &sig.CartAdds24h)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DemandSignals{}, nil
	}
	return sig, err
}

func (s *PostgresStore) GetCompetitorPrice(ctx context.Context, productID string) (*decimal.Decimal, error) {
	var priceS *string
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(price)::TEXT FROM competitor_prices WHERE product_id = $1`, productID).
		Scan(&priceS)
	if err != nil {
		return nil, err
	}
	return parseOptionalDecimal(priceS), nil
}

func parseOptionalDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func optionalDecimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
