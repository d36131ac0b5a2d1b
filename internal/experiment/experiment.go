// Package experiment scores price A/B tests and decides when one is done.
//
// Confidence comes from a two-sided two-proportion z-test on the arms'
// conversion rates. An experiment is only scored once both arms have seen
// enough traffic for long enough, and only completes once it is both
// significant and has run its minimum duration.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bazaar/pricing-engine/internal/applier"
	"github.com/bazaar/pricing-engine/internal/metrics"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/store"
)

const (
	// MinImpressions is the per-arm traffic floor before an experiment is scored.
	MinImpressions = 100
	// MinAnalysisAge is how long an experiment runs before it is scored.
	MinAnalysisAge = 3 * 24 * time.Hour
	// MinCompletionAge is how long an experiment runs before it can complete.
	MinCompletionAge = 7 * 24 * time.Hour
	// SignificanceLevel is the confidence (percent) a winner needs.
	SignificanceLevel = 95.0
)

// PriceApplier is the single price write path.
type PriceApplier interface {
	Apply(ctx context.Context, ch applier.Change) (*model.PriceChangeRecord, error)
}

// Result is the outcome of scoring one experiment.
type Result struct {
	ExperimentID    string
	ConfidenceLevel float64
	Winner          model.Winner
	Completed       bool
	// Applied is the price change made for a winning variant, if any.
	Applied *model.PriceChangeRecord
}

// Analyzer scores experiments and persists the outcome.
type Analyzer struct {
	experiments store.ExperimentStore
	applier     PriceApplier
	sink        metrics.Sink
	now         func() time.Time

	// ApplyWinner promotes a winning variant price when the experiment
	// completes. Requires a non-nil applier.
	ApplyWinner bool
}

// NewAnalyzer creates an analyzer. ap may be nil when winners are never applied.
func NewAnalyzer(experiments store.ExperimentStore, ap PriceApplier, sink metrics.Sink) *Analyzer {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Analyzer{
		experiments: experiments,
		applier:     ap,
		sink:        sink,
		now:         time.Now,
	}
}

// WithClock overrides the time source.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// Ready reports whether the experiment has enough traffic and age to score.
func Ready(e *model.PriceExperiment, now time.Time) bool {
	if e.Completed() {
		return false
	}
	if e.ControlImpressions < MinImpressions || e.VariantImpressions < MinImpressions {
		return false
	}
	return now.Sub(e.StartedAt) >= MinAnalysisAge
}

// Confidence returns (1 - p) * 100 for the two-sided two-proportion z-test
// of the arms' conversion rates, rounded to two decimals. It returns 0 when
// either arm has no impressions or the pooled variance is zero.
func Confidence(e *model.PriceExperiment) float64 {
	if e.ControlImpressions <= 0 || e.VariantImpressions <= 0 {
		return 0
	}
	n1 := float64(e.ControlImpressions)
	n2 := float64(e.VariantImpressions)
	p1 := float64(e.ControlConversions) / n1
	p2 := float64(e.VariantConversions) / n2

	pooled := float64(e.ControlConversions+e.VariantConversions) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 || math.IsNaN(se) {
		return 0
	}

	z := math.Abs(p1-p2) / se
	pValue := math.Erfc(z / math.Sqrt2)
	return math.Round((1-pValue)*10000) / 100
}

// DetermineWinner picks the arm with the higher conversion rate once the
// result is significant and both arms cleared the traffic floor.
func DetermineWinner(e *model.PriceExperiment, confidence float64) model.Winner {
	if confidence < SignificanceLevel {
		return model.WinnerNone
	}
	if e.ControlImpressions < MinImpressions || e.VariantImpressions < MinImpressions {
		return model.WinnerNone
	}
	// Cross-multiplied to compare rates without float division.
	control := e.ControlConversions * e.VariantImpressions
	variant := e.VariantConversions * e.ControlImpressions
	switch {
	case variant > control:
		return model.WinnerVariant
	case control > variant:
		return model.WinnerControl
	default:
		return model.WinnerNone
	}
}

// Analyze scores one experiment. It returns nil when the experiment is not
// ready to be scored yet.
func (a *Analyzer) Analyze(ctx context.Context, e model.PriceExperiment) (*Result, error) {
	now := a.now().UTC()
	if !Ready(&e, now) {
		slog.Debug("experiment not ready",
			"experiment_id", e.ID,
			"control_impressions", e.ControlImpressions,
			"variant_impressions", e.VariantImpressions,
			"age", now.Sub(e.StartedAt).String(),
		)
		return nil, nil
	}

	res := &Result{ExperimentID: e.ID}
	res.ConfidenceLevel = Confidence(&e)
	res.Winner = DetermineWinner(&e, res.ConfidenceLevel)
	res.Completed = res.ConfidenceLevel >= SignificanceLevel &&
		res.Winner != model.WinnerNone &&
		now.Sub(e.StartedAt) >= MinCompletionAge

	// Promote before freezing so a failed write is retried next pass.
	if res.Completed && res.Winner == model.WinnerVariant && a.ApplyWinner && a.applier != nil {
		rec, err := a.applier.Apply(ctx, applier.Change{
			ProductID:    e.ProductID,
			NewPrice:     e.VariantPrice,
			Reason:       model.ReasonExperiment,
			ExperimentID: e.ID,
			Note:         fmt.Sprintf("variant won at %.2f%% confidence", res.ConfidenceLevel),
		})
		if err != nil {
			return nil, fmt.Errorf("apply winning variant of experiment %s: %w", e.ID, err)
		}
		res.Applied = rec
	}

	upd := model.ExperimentUpdate{ConfidenceLevel: res.ConfidenceLevel, Winner: res.Winner}
	if res.Completed {
		upd.CompletedAt = &now
	}
	if err := a.experiments.UpdateExperiment(ctx, e.ID, upd); err != nil {
		return nil, fmt.Errorf("update experiment %s: %w", e.ID, err)
	}

	if res.Completed {
		a.sink.ExperimentCompleted(string(res.Winner))
		slog.Info("experiment completed",
			"experiment_id", e.ID,
			"product_id", e.ProductID,
			"winner", string(res.Winner),
			"confidence", res.ConfidenceLevel,
		)
	}
	return res, nil
}
