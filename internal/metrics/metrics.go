// Package metrics provides Prometheus instrumentation for the GiveSafe
// risk engine.
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
			Namespace: "givesafe",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "givesafe",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobsProcessed counts finished scoring jobs by job name and result.
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "givesafe",
			Name:      "jobs_processed_total",
			Help:      "Total jobs reaching a terminal state, by job name and result.",
		},
		[]string{"job", "result"},
	)

	// JobRetries counts scheduled retry attempts by job name.
	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "givesafe",
			Name:      "job_retries_total",
			Help:      "Total job retries scheduled after failed attempts.",
		},
		[]string{"job"},
	)

	// RiskScores observes the distribution of computed risk scores.
	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "givesafe",
		Name:      "risk_score",
		Help:      "Distribution of risk scores across evaluated payments.",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// VerdictsTotal counts verdicts by resulting status.
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "givesafe",
			Name:      "verdicts_total",
			Help:      "Total verdicts produced, by status.",
		},
		[]string{"status"},
	)

	// AlertsCreated counts persisted compliance alerts.
	AlertsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "givesafe",
		Name:      "alerts_created_total",
		Help:      "Total AML alerts persisted for review.",
	})

	// RuleFailures counts rules skipped due to panic, by rule name.
	RuleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "givesafe",
			Name:      "rule_failures_total",
			Help:      "Total rule evaluations skipped after a panic.",
		},
		[]string{"rule"},
	)

	// CounterStoreErrors counts failed counter-store round trips. Each one
	// means a rule signal was silently dropped (fail-open).
	CounterStoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "givesafe",
		Name:      "counter_store_errors_total",
		Help:      "Total counter store operations that failed and were skipped.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "givesafe", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "givesafe", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "givesafe", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsProcessed,
		JobRetries,
		RiskScores,
		VerdictsTotal,
		AlertsCreated,
		RuleFailures,
		CounterStoreErrors,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
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
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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
