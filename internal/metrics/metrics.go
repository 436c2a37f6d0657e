// Package metrics provides Prometheus instrumentation for the straddle bot.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts evaluation ticks by outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddle_ticks_total",
		Help: "Evaluation ticks by outcome",
	}, []string{"outcome"})

	// OrdersTotal counts orders by side and result.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddle_orders_total",
		Help: "Orders placed by side and result",
	}, []string{"side", "result"})

	// FillLatency tracks time from placement to confirmed fill.
	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "straddle_fill_latency_seconds",
		Help:    "Time from order placement to confirmed fill",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// HedgeEventsTotal counts hedge transitions by leg and kind.
	HedgeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddle_hedge_events_total",
		Help: "Hedge lifecycle events",
	}, []string{"leg", "kind"})

	// StraddlesTotal counts straddle entries and exits.
	StraddlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddle_straddles_total",
		Help: "Straddle entries and exits",
	}, []string{"event", "reason"})

	// ReconcileTotal counts reconciliation passes by result.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddle_reconcile_total",
		Help: "Reconciliation passes by result",
	}, []string{"result"})

	// LegLossPct tracks each leg's loss percentage.
	LegLossPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "straddle_leg_loss_pct",
		Help: "Current loss percentage per leg",
	}, []string{"leg"})

	// HedgeLevel tracks the active hedge level per leg, 0 when unhedged.
	HedgeLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "straddle_hedge_level",
		Help: "Active hedge level per leg",
	}, []string{"leg"})

	// PositionActive is 1 while a straddle is open.
	PositionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "straddle_position_active",
		Help: "1 while a straddle is open",
	})

	// SessionPnL is the realized P&L of the session.
	SessionPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "straddle_session_pnl",
		Help: "Realized P&L of the session",
	})

	// Halted is 1 while automated entry is halted by reconciliation.
	Halted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "straddle_halted",
		Help: "1 while automated entry is halted",
	})

	// HTTPRequestsTotal counts control-surface requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "straddle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "straddle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// Bool converts a flag to a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
