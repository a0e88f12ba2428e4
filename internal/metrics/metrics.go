// Package metrics provides Prometheus instrumentation for payhold.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payhold",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payhold",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts ledger transitions by event.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payhold",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow ledger transitions by event.",
		},
		[]string{"event"},
	)

	// EscrowSettledAmount accumulates settled escrow value by disposition,
	// in major currency units.
	EscrowSettledAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payhold",
			Name:      "escrow_settled_amount_total",
			Help:      "Total settled escrow value by terminal disposition.",
		},
		[]string{"disposition"},
	)

	// DisputesTotal counts dispute lifecycle events.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payhold",
			Name:      "disputes_total",
			Help:      "Total dispute lifecycle events by action.",
		},
		[]string{"action"},
	)

	// DisputesOpen tracks currently open or investigating disputes.
	DisputesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payhold",
			Name:      "disputes_open",
			Help:      "Number of disputes currently awaiting resolution.",
		},
	)

	// ActiveWebSocketClients tracks connected dashboard feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payhold",
			Name:      "websocket_clients_active",
			Help:      "Number of currently connected websocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowSettledAmount,
		DisputesTotal,
		DisputesOpen,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latencies using the route pattern
// (not the raw path) to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
