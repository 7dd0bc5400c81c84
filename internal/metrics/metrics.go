// Package metrics provides Prometheus instrumentation for the Clawdfather service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawdfather",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clawdfather",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks SSH sessions currently held open.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawdfather",
			Name:      "active_sessions",
			Help:      "Number of currently active SSH sessions.",
		},
	)

	// SessionLaunchesTotal counts session bootstrap attempts by result.
	SessionLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawdfather",
			Name:      "session_launches_total",
			Help:      "Total session launch attempts by result.",
		},
		[]string{"result"},
	)

	// SessionTerminationsTotal counts session terminations by reason.
	SessionTerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawdfather",
			Name:      "session_terminations_total",
			Help:      "Total session terminations by reason.",
		},
		[]string{"reason"},
	)

	// CreditTicksTotal counts billing ticks by result.
	CreditTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawdfather",
			Name:      "credit_ticks_total",
			Help:      "Total credit ticker passes by result.",
		},
		[]string{"result"},
	)

	// CreditSecondsDebitedTotal sums seconds debited across all sessions.
	CreditSecondsDebitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawdfather",
			Name:      "credit_seconds_debited_total",
			Help:      "Total credit-seconds debited by the billing ticker.",
		},
	)

	// StripeEventsTotal counts received Stripe webhook events by type and result.
	StripeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawdfather",
			Name:      "stripe_events_total",
			Help:      "Total Stripe webhook events by type and result.",
		},
		[]string{"type", "result"},
	)

	// ConnectionTestsTotal counts connection probes by outcome.
	ConnectionTestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawdfather",
			Name:      "connection_tests_total",
			Help:      "Total SSH connection tests by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected chat gateway clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawdfather",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawdfather", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawdfather", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawdfather", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawdfather", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawdfather", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawdfather", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		SessionLaunchesTotal,
		SessionTerminationsTotal,
		CreditTicksTotal,
		CreditSecondsDebitedTotal,
		StripeEventsTotal,
		ConnectionTestsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
