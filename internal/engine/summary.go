package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/pricingctx"
	"github.com/bazaar/pricing-engine/internal/store"
	"github.com/bazaar/pricing-engine/internal/surge"
)

// Outcome is what happened to one item in a pass.
type Outcome string

const (
	OutcomeChanged Outcome = "changed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ItemResult is the per-item result folded into a Summary.
type ItemResult struct {
	ID      string
	Outcome Outcome
	Err     error
}

// Summary counts what one pass did.
type Summary struct {
	Flow      string        `json:"flow"`
	Processed int           `json:"processed"`
	Changed   int           `json:"changed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Took      time.Duration `json:"took_ns"`
}

func (s *Summary) add(r ItemResult) {
	s.Processed++
	switch r.Outcome {
	case OutcomeChanged:
		s.Changed++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

func failed(id string, err error) ItemResult {
	return ItemResult{ID: id, Outcome: OutcomeFailed, Err: err}
}

func skipped(id string) ItemResult {
	return ItemResult{ID: id, Outcome: OutcomeSkipped}
}

// settle maps an item's error and change flag to a result. A lost
// optimistic write is a skip: the next pass re-evaluates the product. A
// failed surge reversion counts as failed even though the next sweep
// retries it, because the surge is already closed.
func settle(id string, changed bool, err error) ItemResult {
	switch {
	case errors.Is(err, surge.ErrReversionFailed):
		return failed(id, err)
	case errors.Is(err, store.ErrWriteConflict):
		return ItemResult{ID: id, Outcome: OutcomeSkipped, Err: err}
	case err != nil:
		return failed(id, err)
	case changed:
		return ItemResult{ID: id, Outcome: OutcomeChanged}
	}
	return skipped(id)
}

// ErrorKind classifies an item error for logs and metrics labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, surge.ErrReversionFailed):
		return "reversion_failed"
	case errors.Is(err, store.ErrWriteConflict):
		return "write_conflict"
	case errors.Is(err, pricingctx.ErrContextUnavailable):
		return "context_unavailable"
	case errors.Is(err, model.ErrInvalidRule):
		return "invalid_rule"
	case errors.Is(err, store.ErrExperimentFrozen):
		return "experiment_frozen"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "dependency"
}
