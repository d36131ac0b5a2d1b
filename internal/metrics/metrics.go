// Package metrics provides the instrumentation sink for pricing passes and
// its Prometheus implementation.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives pricing events. Every flow is handed one explicitly.
type Sink interface {
	// PassCompleted reports the outcome counts of one batch pass.
	PassCompleted(flow string, processed, changed, skipped, failed int, took time.Duration)
	// ItemFailed reports a per-item failure by error kind.
	ItemFailed(flow, kind string)
	// PriceChanged reports a persisted price change by reason.
	PriceChanged(reason string)
	// SurgeOpened and SurgeClosed track the surge lifecycle.
	SurgeOpened(eventType string)
	SurgeClosed(eventType string)
	// ActiveSurges reports the number of active surges read from the store.
	ActiveSurges(n int)
	// ExperimentCompleted reports an auto-completed experiment by winner.
	ExperimentCompleted(winner string)
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) PassCompleted(string, int, int, int, int, time.Duration) {}
func (Nop) ItemFailed(string, string)                                {}
func (Nop) PriceChanged(string)                                      {}
func (Nop) SurgeOpened(string)                                       {}
func (Nop) SurgeClosed(string)                                       {}
func (Nop) ActiveSurges(int)                                         {}
func (Nop) ExperimentCompleted(string)                               {}

// Prometheus is a Sink backed by Prometheus collectors.
type Prometheus struct {
	passItems      *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	itemFailures   *prometheus.CounterVec
	priceChanges   *prometheus.CounterVec
	activeSurges   prometheus.Gauge
	surgeEvents    *prometheus.CounterVec
	experimentsWon *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheus registers the pricing collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		passItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_pass_items_total",
			Help: "Items handled by pricing passes, by flow and outcome",
		}, []string{"flow", "outcome"}),

		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricing_pass_duration_seconds",
			Help:    "Pricing pass duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"flow"}),

		itemFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_item_failures_total",
			Help: "Per-item failures by flow and error kind",
		}, []string{"flow", "kind"}),

		priceChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_price_changes_total",
			Help: "Persisted price changes by reason",
		}, []string{"reason"}),

		activeSurges: f.NewGauge(prometheus.GaugeOpts{
			Name: "pricing_active_surges",
			Help: "Active surges as of the last surge pass",
		}),

		surgeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_surge_events_total",
			Help: "Surge lifecycle transitions by event type and transition",
		}, []string{"event_type", "transition"}),

		experimentsWon: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_experiments_completed_total",
			Help: "Auto-completed price experiments by winner",
		}, []string{"winner"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_http_requests_total",
			Help: "Total admin HTTP requests",
		}, []string{"method", "path", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricing_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "path"}),
	}
}

func (p *Prometheus) PassCompleted(flow string, processed, changed, skipped, failed int, took time.Duration) {
	p.passItems.WithLabelValues(flow, "processed").Add(float64(processed))
	p.passItems.WithLabelValues(flow, "changed").Add(float64(changed))
	p.passItems.WithLabelValues(flow, "skipped").Add(float64(skipped))
	p.passItems.WithLabelValues(flow, "failed").Add(float64(failed))
	p.passDuration.WithLabelValues(flow).Observe(took.Seconds())
}

func (p *Prometheus) ItemFailed(flow, kind string) {
	p.itemFailures.WithLabelValues(flow, kind).Inc()
}

func (p *Prometheus) PriceChanged(reason string) {
	p.priceChanges.WithLabelValues(reason).Inc()
}

func (p *Prometheus) SurgeOpened(eventType string) {
	p.surgeEvents.WithLabelValues(eventType, "opened").Inc()
}

func (p *Prometheus) SurgeClosed(eventType string) {
	p.surgeEvents.WithLabelValues(eventType, "closed").Inc()
}

func (p *Prometheus) ActiveSurges(n int) {
	p.activeSurges.Set(float64(n))
}

func (p *Prometheus) ExperimentCompleted(winner string) {
	p.experimentsWon.WithLabelValues(winner).Inc()
}

// Handler returns the Prometheus metrics HTTP handler for gatherer g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware returns an HTTP middleware that records request metrics.
func (p *Prometheus) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern so ids in the path do not explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		p.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		p.httpDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
