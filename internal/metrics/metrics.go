// Package metrics holds the Prometheus collectors for the escrow service.
// Everything registers with the default registry at init.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ticketescrow"

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

const hour = 3600.0

// HTTP surface.
var (
	HTTPRequestsTotal = counterVec("http_requests_total",
		"HTTP requests by method, route pattern and status class.", "method", "path", "status")
	HTTPRequestDuration = histogramVec("http_request_duration_seconds",
		"HTTP request latency in seconds.", prometheus.DefBuckets, "method", "path")
	RateLimitedTotal = counterVec("rate_limited_total",
		"Requests rejected by the per-client rate limiter, by route.", "route")
	ActiveWebSocketClients = gauge("active_websocket_clients",
		"Connected order stream clients.")
)

// Escrow lifecycle.
var (
	OrdersAuthorizedTotal = counter("orders_authorized_total",
		"Orders whose gross charge is held by the provider.")
	// OrdersRejectedTotal counts authorize attempts refused before any provider call.
	OrdersRejectedTotal = counterVec("orders_rejected_total",
		"Authorize attempts rejected by validation, by reason.", "reason")
	// TransitionsTotal outcome is applied, already, rejected or failed.
	TransitionsTotal = counterVec("transitions_total",
		"State machine actions by action and outcome.", "action", "outcome")
	SettlementsTotal = counterVec("settlements_total",
		"Settlement executions by decision and result.", "decision", "result")
	TransferFailuresTotal = counter("transfer_failures_total",
		"Payout transfers that failed after capture and need reconciliation.")
	MirrorFailuresTotal = counter("metadata_mirror_failures_total",
		"Failed best-effort metadata updates on the payment provider.")
	InventoryDecrementsTotal = counterVec("inventory_decrements_total",
		"Inventory decrements after capture by result.", "result")
	EscrowDuration = histogramVec("escrow_duration_seconds",
		"Time from authorization to capture or cancel in seconds.",
		[]float64{60, 600, hour, 6 * hour, 24 * hour, 48 * hour, 72 * hour, 96 * hour}, "status")
)

// Provider, scheduler and webhooks.
var (
	ProviderRequestDuration = histogramVec("provider_request_duration_seconds",
		"Payment provider call latency in seconds.",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, "op", "result")
	SweepOrdersTotal = counterVec("sweep_orders_total",
		"Orders handled by the release sweep by outcome.", "outcome")
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Release sweep run time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	WebhookEventsTotal = counterVec("webhook_events_total",
		"Provider webhook events by type and result.", "type", "result")
)

// Process.
var (
	DBOpenConnections  = gauge("db_open_connections", "Open database connections.")
	DBInUseConnections = gauge("db_in_use_connections", "In-use database connections.")
	GoroutineCount     = gauge("goroutines", "Current number of goroutines.")
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, RateLimitedTotal, ActiveWebSocketClients,
		OrdersAuthorizedTotal, OrdersRejectedTotal, TransitionsTotal, SettlementsTotal,
		TransferFailuresTotal, MirrorFailuresTotal, InventoryDecrementsTotal, EscrowDuration,
		ProviderRequestDuration, SweepOrdersTotal, SweepDuration, WebhookEventsTotal,
		DBOpenConnections, DBInUseConnections, GoroutineCount,
	)
}

// StartDBStatsCollector samples pool and goroutine gauges every interval
// until ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := db.Stats()
			DBOpenConnections.Set(float64(st.OpenConnections))
			DBInUseConnections.Set(float64(st.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency under the matched route
// pattern. Requests that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, path, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass maps 404 to "4xx".
func statusClass(code int) string {
	if code < 100 || code > 599 {
		code = 500
	}
	return strconv.Itoa(code/100) + "xx"
}
