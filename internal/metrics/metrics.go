// Package metrics provides Prometheus instrumentation for simulation runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts booked transactions, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backsim_trades_total",
		Help: "Total number of transactions booked into the ledger",
	}, []string{"side"})

	// CommissionPaid accumulates commission across all transactions.
	CommissionPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backsim_commission_paid_total",
		Help: "Cumulative commission paid",
	})

	// NoFillsTotal counts orders the fill simulator could not fill.
	NoFillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backsim_no_fills_total",
		Help: "Orders left unfilled by the simulator",
	}, []string{"reason"})

	// AbortedTrades counts rebalances aborted before any mutation.
	AbortedTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backsim_aborted_trades_total",
		Help: "Rebalances aborted because a price was unavailable",
	})

	// Cash is the ledger cash at the last recorded step.
	Cash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backsim_cash",
		Help: "Ledger cash balance",
	})

	// NAV is the net asset value index at the last recorded step.
	NAV = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backsim_nav",
		Help: "Net asset value as a percentage of initial cash",
	})

	// Margin is the total margin in use at the last recorded step.
	Margin = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backsim_margin",
		Help: "Margin charged across sub-portfolios",
	})

	// StepsTotal counts replayed scenario steps.
	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backsim_steps_total",
		Help: "Scenario steps processed",
	})

	// HTTPRequestsTotal counts status server requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backsim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
