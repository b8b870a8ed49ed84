// Package telemetry provides application-level observability for the signing service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served on
// the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<ESIGN_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Signature collection outcomes by role
//   - Artifact render / store counters and render fallbacks
//   - Notification, audit and lifecycle-event failure counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/contracts/:id/sign)
// rather than the raw request URL so contract ids never become label values.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate:           rate(http_requests_total[5m])
//   - p99 latency per route:  histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Signing workflow metrics.
//
// SignaturesTotal is labelled {role, outcome} where outcome is one of
// "recorded", "completed", "already_signed", "invalid_transition", "storage_error", "invalid",
// "not_found", "error".
//
// Example PromQL queries:
//   - Completions per hour:  increase(esign_signatures_total{outcome="completed"}[1h])
//   - Storage failure alert: increase(esign_signatures_total{outcome="storage_error"}[15m]) > 0
var (
	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_signatures_total",
			Help: "Total number of signing attempts, by signer role and outcome.",
		},
		[]string{"role", "outcome"},
	)

	ContractTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_contract_transitions_total",
			Help: "Total number of contract status transitions, by source and target status.",
		},
		[]string{"from", "to"},
	)
)

// Artifact metrics.
//
// RenderFallbacksTotal counts signature images that could not be decoded and were replaced
// by the text fallback. A sustained non-zero rate usually means a client is posting
// malformed canvas exports.
var (
	ArtifactRenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "esign_artifact_render_duration_seconds",
			Help:    "Duration of signed document rendering.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArtifactsStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_artifacts_stored_total",
			Help: "Total number of signed artifacts written to storage, by backend and result.",
		},
		[]string{"backend", "result"},
	)

	RenderFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esign_render_fallbacks_total",
			Help: "Total number of signature images replaced by the text fallback during rendering.",
		},
	)
)

// Side-effect failure metrics. None of these fail the originating request.
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_notifications_total",
			Help: "Total number of notification delivery attempts, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	AuditWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_audit_write_failures_total",
			Help: "Total number of audit entries that could not be written, by sink.",
		},
		[]string{"sink"},
	)

	EventPublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esign_event_publish_failures_total",
			Help: "Total number of lifecycle events that could not be published.",
		},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until ctx is
// cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
