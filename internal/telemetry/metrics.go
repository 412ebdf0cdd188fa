// Package telemetry provides application-level observability for the
// compliance logging core.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<CMP_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint returns the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds. It is NOT served
// by the Gin router, keeping the scrape path off any public ingress.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit trail activity: entries appended, chain verifications, shipper errors
//   - PHI redaction counts by category
//   - Structured logger activity: records by level, sink errors, dropped records
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /v1/audit/entries)
// rather than the raw request URL. Audit metrics use the action and status
// values, which come from a small controlled vocabulary, never from
// user-supplied free text. PHI metrics use the fixed category names.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit trail metrics.
//
// AuditEntriesTotal counts committed chain entries by action and status. A
// sudden FAILURE spike for LOGIN is a standard alert signal.
//
// AuditChainVerificationsTotal counts integrity verification runs by result
// ("intact" or "broken"). Any increase of the broken series is an incident:
//
//	increase(audit_chain_verifications_total{result="broken"}[5m]) > 0
//
// AuditShipperErrorsTotal counts failed deliveries of committed entries to
// external destinations (file, webhook). Shipper failures never block
// appends, so this counter is the only visibility into a SIEM outage.
var (
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries appended to the chain, by action and status.",
		},
		[]string{"action", "status"},
	)

	AuditChainVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_verifications_total",
			Help: "Total number of audit chain integrity verifications, by result (intact|broken).",
		},
		[]string{"result"},
	)

	AuditShipperErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_shipper_errors_total",
			Help: "Total number of failed audit entry deliveries to external destinations, by shipper type.",
		},
		[]string{"shipper"},
	)
)

// PHIRedactionsTotal counts masked spans by category. This is a count of
// redactions, never the redacted content: a rising email series means some
// caller is still passing raw addresses into log fields and that call site
// needs fixing, even though the filter caught it.
var PHIRedactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "phi_redactions_total",
		Help: "Total number of PHI/PII spans masked before emission, by category.",
	},
	[]string{"category"},
)

// Structured logger metrics.
//
// LogRecordsDroppedTotal counts records discarded by the buffered sink's
// drop-oldest overflow policy. A non-zero rate means the log destination is
// not keeping up; callers are never blocked, so this counter is the only
// signal that records were lost.
var (
	LogRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "log_records_total",
			Help: "Total number of structured log records emitted, by level.",
		},
		[]string{"level"},
	)

	LogSinkErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "log_sink_errors_total",
			Help: "Total number of log records that could not be written to the configured sink.",
		},
	)

	LogRecordsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "log_records_dropped_total",
			Help: "Total number of log records discarded by the buffered sink overflow policy.",
		},
	)
)

// DBOpenConnections tracks the number of open connections currently held by
// the sql.DB pool backing the Postgres audit store. Sampled every 30 seconds
// by StartDBStatsCollector rather than per-request to avoid the overhead of
// sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping
// fails), which happens automatically when the application shuts down and
// defers db.Close().
//
// Call this once, immediately after the database connection succeeds in
// main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
