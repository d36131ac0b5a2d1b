// Package engine exposes the four pricing passes: rule application, surge
// detection, surge expiry and experiment analysis.
//
// Each pass lists its driving collection once, then processes items one at a
// time. A failing item is recorded in the Summary and never stops the pass;
// only a failure to list the collection aborts it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/bazaar/pricing-engine/internal/applier"
	"github.com/bazaar/pricing-engine/internal/experiment"
	"github.com/bazaar/pricing-engine/internal/metrics"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/pricingctx"
	"github.com/bazaar/pricing-engine/internal/rules"
	"github.com/bazaar/pricing-engine/internal/store"
)

// ErrDependencyUnavailable is returned when a pass cannot list the items it
// should process.
var ErrDependencyUnavailable = errors.New("engine: dependency unavailable")

// Flow names, used in summaries, metrics and the admin API.
const (
	FlowRules       = "apply_pricing_rules"
	FlowSurgeDetect = "monitor_surge_conditions"
	FlowSurgeExpire = "deactivate_expired_surges"
	FlowExperiments = "analyze_price_experiments"
)

// Flows lists every flow name.
var Flows = []string{FlowRules, FlowSurgeDetect, FlowSurgeExpire, FlowExperiments}

// DefaultItemTimeout bounds the store calls made for a single item.
const DefaultItemTimeout = 5 * time.Second

// Filter narrows a pass. Empty fields match everything; each flow only
// looks at the fields that apply to it.
type Filter struct {
	CategoryID   string `json:"category_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	RuleID       string `json:"rule_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
}

// Store is the persistence the passes drive from.
type Store interface {
	store.ProductStore
	store.RuleStore
	store.SurgeStore
	store.ExperimentStore
}

// ContextBuilder turns a listed product into a pricing snapshot.
type ContextBuilder interface {
	FromProduct(ctx context.Context, p *model.Product) (*pricingctx.PricingContext, error)
}

// PriceApplier is the single price write path.
type PriceApplier interface {
	Apply(ctx context.Context, ch applier.Change) (*model.PriceChangeRecord, error)
}

// SurgeMonitor opens and closes surges.
type SurgeMonitor interface {
	Detect(ctx context.Context, productID string) (*model.SurgePricingEvent, error)
	Expire(ctx context.Context, ev model.SurgePricingEvent) (*model.PriceChangeRecord, error)
}

// ExperimentAnalyzer scores one experiment.
type ExperimentAnalyzer interface {
	Analyze(ctx context.Context, e model.PriceExperiment) (*experiment.Result, error)
}

// Deps are the collaborators an Engine runs on.
type Deps struct {
	Store       Store
	Builder     ContextBuilder
	Applier     PriceApplier
	Surges      SurgeMonitor
	Experiments ExperimentAnalyzer
	Sink        metrics.Sink
}

// Engine runs pricing passes.
type Engine struct {
	store       Store
	builder     ContextBuilder
	applier     PriceApplier
	surges      SurgeMonitor
	experiments ExperimentAnalyzer
	sink        metrics.Sink

	itemTimeout time.Duration
	limiter     *rate.Limiter
	now         func() time.Time
}

// New creates an engine.
func New(deps Deps) *Engine {
	sink := deps.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Engine{
		store:       deps.Store,
		builder:     deps.Builder,
		applier:     deps.Applier,
		surges:      deps.Surges,
		experiments: deps.Experiments,
		sink:        sink,
		itemTimeout: DefaultItemTimeout,
		now:         time.Now,
	}
}

// WithItemTimeout sets the per-item deadline. Zero disables it.
func (e *Engine) WithItemTimeout(d time.Duration) *Engine {
	e.itemTimeout = d
	return e
}

// WithRateLimit caps how many items per second a pass processes.
// A non-positive rate removes the cap.
func (e *Engine) WithRateLimit(perSecond float64, burst int) *Engine {
	if perSecond <= 0 {
		e.limiter = nil
		return e
	}
	if burst < 1 {
		burst = 1
	}
	e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run dispatches a pass by flow name.
func (e *Engine) Run(ctx context.Context, flow string, f Filter) (Summary, error) {
	switch flow {
	case FlowRules:
		return e.ApplyPricingRules(ctx, f)
	case FlowSurgeDetect:
		return e.MonitorSurgeConditions(ctx, f)
	case FlowSurgeExpire:
		return e.DeactivateExpiredSurges(ctx, f)
	case FlowExperiments:
		return e.AnalyzePriceExperiments(ctx, f)
	}
	return Summary{Flow: flow}, fmt.Errorf("engine: unknown flow %q", flow)
}

// ApplyPricingRules evaluates the active rules against every matching
// product and writes the price of the first applicable rule.
func (e *Engine) ApplyPricingRules(ctx context.Context, f Filter) (Summary, error) {
	rs, err := e.store.ListActiveRules(ctx, store.RuleFilter{RuleID: f.RuleID})
	if err != nil {
		return Summary{Flow: FlowRules}, fmt.Errorf("%w: list rules: %w", ErrDependencyUnavailable, err)
	}
	rules.SortRules(rs)

	products, err := e.listProducts(ctx, FlowRules, f)
	if err != nil {
		return Summary{Flow: FlowRules}, err
	}

	return run(ctx, e, FlowRules, products, func(ctx context.Context, p model.Product) ItemResult {
		pc, err := e.builder.FromProduct(ctx, &p)
		if err != nil {
			return failed(p.ID, err)
		}
		rule := rules.SelectApplicableRule(rs, pc)
		if rule == nil {
			return skipped(p.ID)
		}

		version := pc.Version
		rec, err := e.applier.Apply(ctx, applier.Change{
			ProductID:       p.ID,
			NewPrice:        rules.ComputePrice(rule, pc.CurrentPrice, pc),
			Reason:          model.ReasonRuleBased,
			RuleID:          rule.ID,
			Note:            rule.Name,
			ExpectedVersion: &version,
		})
		return settle(p.ID, rec != nil, err)
	})
}

// MonitorSurgeConditions checks every matching product for surge triggers.
func (e *Engine) MonitorSurgeConditions(ctx context.Context, f Filter) (Summary, error) {
	products, err := e.listProducts(ctx, FlowSurgeDetect, f)
	if err != nil {
		return Summary{Flow: FlowSurgeDetect}, err
	}

	sum, err := run(ctx, e, FlowSurgeDetect, products, func(ctx context.Context, p model.Product) ItemResult {
		ev, err := e.surges.Detect(ctx, p.ID)
		return settle(p.ID, ev != nil, err)
	})
	e.reportActiveSurges(ctx)
	return sum, err
}

// DeactivateExpiredSurges closes every surge past its end time and reverts
// the product price. Surges closed by an earlier sweep whose reversion
// failed are retried after the newly expired ones.
func (e *Engine) DeactivateExpiredSurges(ctx context.Context, f Filter) (Summary, error) {
	expired, err := e.store.ListExpiredActiveSurges(ctx, e.now().UTC())
	if err != nil {
		return Summary{Flow: FlowSurgeExpire}, fmt.Errorf("%w: list expired surges: %w", ErrDependencyUnavailable, err)
	}
	pending, err := e.store.ListUnrevertedSurges(ctx)
	if err != nil {
		return Summary{Flow: FlowSurgeExpire}, fmt.Errorf("%w: list unreverted surges: %w", ErrDependencyUnavailable, err)
	}
	expired = append(expired, pending...)
	if f.ProductID != "" {
		kept := expired[:0]
		for _, ev := range expired {
			if ev.ProductID == f.ProductID {
				kept = append(kept, ev)
			}
		}
		expired = kept
	}

	sum, err := run(ctx, e, FlowSurgeExpire, expired, func(ctx context.Context, ev model.SurgePricingEvent) ItemResult {
		// The surge is settled whenever Expire returns nil, even if the
		// recommended price was too close to need a write.
		_, err := e.surges.Expire(ctx, ev)
		return settle(ev.ID, true, err)
	})
	e.reportActiveSurges(ctx)
	return sum, err
}

func (e *Engine) reportActiveSurges(ctx context.Context) {
	n, err := e.store.CountActiveSurges(ctx)
	if err != nil {
		slog.Warn("count active surges failed", "err", err)
		return
	}
	e.sink.ActiveSurges(n)
}

// AnalyzePriceExperiments scores every open experiment.
func (e *Engine) AnalyzePriceExperiments(ctx context.Context, f Filter) (Summary, error) {
	exps, err := e.store.ListActiveExperiments(ctx, store.ExperimentFilter{
		ExperimentID: f.ExperimentID,
		ProductID:    f.ProductID,
	})
	if err != nil {
		return Summary{Flow: FlowExperiments}, fmt.Errorf("%w: list experiments: %w", ErrDependencyUnavailable, err)
	}

	return run(ctx, e, FlowExperiments, exps, func(ctx context.Context, x model.PriceExperiment) ItemResult {
		res, err := e.experiments.Analyze(ctx, x)
		return settle(x.ID, res != nil && res.Completed, err)
	})
}

func (e *Engine) listProducts(ctx context.Context, flow string, f Filter) ([]model.Product, error) {
	products, err := e.store.ListProducts(ctx, store.ProductFilter{
		CategoryID: f.CategoryID,
		ProductID:  f.ProductID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: list products: %w", ErrDependencyUnavailable, flow, err)
	}
	return products, nil
}

// run processes items in order, isolating each one's failure.
func run[T any](ctx context.Context, e *Engine, flow string, items []T, process func(context.Context, T) ItemResult) (Summary, error) {
	start := e.now()
	sum := Summary{Flow: flow}

	var stopErr error
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				stopErr = err
				break
			}
		}

		itemCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.itemTimeout > 0 {
			itemCtx, cancel = context.WithTimeout(ctx, e.itemTimeout)
		}
		res := process(itemCtx, item)
		cancel()

		sum.add(res)
		if res.Err != nil {
			kind := ErrorKind(res.Err)
			if res.Outcome == OutcomeFailed {
				e.sink.ItemFailed(flow, kind)
				slog.Warn("pass item failed", "flow", flow, "id", res.ID, "kind", kind, "err", res.Err)
			} else {
				slog.Info("pass item skipped", "flow", flow, "id", res.ID, "kind", kind, "err", res.Err)
			}
		}
	}

	sum.Took = e.now().Sub(start)
	e.sink.PassCompleted(flow, sum.Processed, sum.Changed, sum.Skipped, sum.Failed, sum.Took)
	slog.Info("pass completed",
		"flow", flow,
		"processed", sum.Processed,
		"changed", sum.Changed,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"took", sum.Took.String(),
	)
	if stopErr != nil {
		return sum, fmt.Errorf("%s stopped after %d items: %w", flow, sum.Processed, stopErr)
	}
	return sum, nil
}
