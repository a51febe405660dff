// Package metrics provides Prometheus instrumentation for the bank and the
// auction houses.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BidsTotal counts resolved bids, partitioned by outcome
	// (accepted, amt2low, holdFailed, holdTimeout, notListed).
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_bids_total",
		Help: "Bids resolved by the bid engine",
	}, []string{"outcome"})

	// HoldLatency measures time from bid receipt to hold outcome.
	HoldLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_hold_latency_seconds",
		Help:    "Time between a bid and its hold outcome",
		Buckets: prometheus.DefBuckets,
	})

	// ItemsWon counts items whose idle timer expired.
	ItemsWon = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_items_won_total",
		Help: "Items transitioned to won",
	})

	// ItemsDelivered counts settled items.
	ItemsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_items_delivered_total",
		Help: "Items delivered after settlement",
	})

	// ItemsRemaining tracks unsold items in the pool.
	ItemsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_items_remaining",
		Help: "Unsold items in the pool",
	})

	// Sessions tracks open line-protocol sessions per service.
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "auction_sessions",
		Help: "Open protocol sessions",
	}, []string{"service"})

	// HoldsTotal counts hold requests at the bank by outcome.
	HoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_holds_total",
		Help: "Hold requests processed by the bank",
	}, []string{"outcome"})

	// SettlementsTotal counts committed and failed settlements.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_settlements_total",
		Help: "Settlements processed by the bank",
	}, []string{"outcome"})

	// Accounts tracks the number of bank accounts.
	Accounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bank_accounts",
		Help: "Accounts held by the bank",
	})

	// HTTPRequestsTotal counts admin HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total admin HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
		Help:    "Admin HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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
