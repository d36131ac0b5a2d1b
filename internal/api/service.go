// Package api is the admin HTTP surface: on-demand passes, price history,
// experiment traffic and the live price-change feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/bazaar/pricing-engine/internal/engine"
	"github.com/bazaar/pricing-engine/internal/model"
	"github.com/bazaar/pricing-engine/internal/scheduler"
	"github.com/bazaar/pricing-engine/internal/store"
)

// PassRunner runs one pass of a named flow. Production wiring passes the
// scheduler so on-demand passes share its per-flow overlap guard.
type PassRunner interface {
	Run(ctx context.Context, flow string, f engine.Filter) (engine.Summary, error)
}

// Store is the persistence the handlers read and write.
type Store interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	store.AuditStore
	RecordImpression(ctx context.Context, id, arm string) error
	RecordConversion(ctx context.Context, id, arm string) error
}

// Service holds the admin handlers.
type Service struct {
	store  Store
	runner PassRunner
}

// NewService creates the admin service.
func NewService(st Store, runner PassRunner) *Service {
	return &Service{store: st, runner: runner}
}

// Mount registers the /api/v1 routes, minus the websocket feed.
func (s *Service) Mount(r chi.Router) {
	r.Post("/passes/{flow}", s.RunPass)
	r.Get("/products/{productID}/price-history", s.GetPriceHistory)
	r.Post("/experiments/{experimentID}/events", s.RecordExperimentEvent)
}

// ExperimentEventRequest is the JSON body for experiment traffic.
type ExperimentEventRequest struct {
	Arm  string `json:"arm"`  // "control" or "variant"
	Type string `json:"type"` // "impression" or "conversion"
}

// RunPass handles POST /api/v1/passes/{flow}
// Query parameters category_id, product_id, rule_id and experiment_id
// narrow the pass.
func (s *Service) RunPass(w http.ResponseWriter, r *http.Request) {
	flow := chi.URLParam(r, "flow")
	if !slices.Contains(engine.Flows, flow) {
		writeError(w, "unknown flow: "+flow, http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	f := engine.Filter{
		CategoryID:   q.Get("category_id"),
		ProductID:    q.Get("product_id"),
		RuleID:       q.Get("rule_id"),
		ExperimentID: q.Get("experiment_id"),
	}

	sum, err := s.runner.Run(r.Context(), flow, f)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, scheduler.ErrPassRunning):
			status = http.StatusConflict
		case errors.Is(err, engine.ErrDependencyUnavailable):
			status = http.StatusServiceUnavailable
		}
		slog.Error("on-demand pass failed", "flow", flow, "status", status, "err", err)
		writeError(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

// GetPriceHistory handles GET /api/v1/products/{productID}/price-history
// Returns the product's audit records, oldest first.
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	ctx := r.Context()

	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "product not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load product", http.StatusInternalServerError)
		return
	}

	history, err := s.store.ListPriceChangeRecords(ctx, productID)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []model.PriceChangeRecord{}
	}

	writeJSON(w, http.StatusOK, history)
}

// RecordExperimentEvent handles POST /api/v1/experiments/{experimentID}/events
func (s *Service) RecordExperimentEvent(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "experimentID")

	var req ExperimentEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Arm != model.ArmControl && req.Arm != model.ArmVariant {
		writeError(w, "arm must be control or variant", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Type {
	case "impression":
		err = s.store.RecordImpression(r.Context(), experimentID, req.Arm)
	case "conversion":
		err = s.store.RecordConversion(r.Context(), experimentID, req.Arm)
	default:
		writeError(w, "type must be impression or conversion", http.StatusBadRequest)
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "experiment not found", http.StatusNotFound)
	case errors.Is(err, store.ErrExperimentFrozen):
		writeError(w, "experiment is completed", http.StatusConflict)
	case err != nil:
		writeError(w, "failed to record event", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
