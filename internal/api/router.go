package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bazaar/pricing-engine/internal/metrics"
)

// RouterConfig wires the pieces the admin router serves.
type RouterConfig struct {
	Service  *Service
	Hub      *Hub                // optional
	Metrics  *metrics.Prometheus // optional request instrumentation
	Gatherer prometheus.Gatherer // optional /metrics source
	Timeout  time.Duration       // per-request timeout for non-feed routes
}

// NewRouter builds the admin HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pricing-engine"}`))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The feed is long-lived and must not sit behind the request timeout.
		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if cfg.Timeout > 0 {
				r.Use(middleware.Timeout(cfg.Timeout))
			}
			cfg.Service.Mount(r)
		})
	})

	return r
}
