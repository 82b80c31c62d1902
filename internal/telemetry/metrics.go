// Package telemetry provides application-level observability for the site provisioner.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<SPV_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router, so it never
// competes with provisioning requests for the API rate limit.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Provisioning outcomes, per-stage latency and per-stage failures
//   - Rollback (compensation) step results
//   - Seed script reloads and stale claim reaping
//   - Control-plane database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled with a tenant identifier. Identifiers are unbounded and
// belong in logs, not in time series.
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
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/sites/:identifier),
// NOT the raw URL.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Conflict rate:                     sum(rate(http_requests_total{status="409"}[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path}. Buckets reach
// ten minutes because a provisioning request blocks until the seed script is loaded.
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
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"method", "path"},
	)
)

// Provisioning metrics.
//
// SitesProvisionedTotal counts finished provisioning requests by outcome:
// "succeeded", "invalid", "collision", "failed" or "rollback_failed".
//
// Example PromQL queries:
//   - Success ratio: sum(rate(site_provisioning_total{outcome="succeeded"}[1h])) / sum(rate(site_provisioning_total[1h]))
//   - Orphan alert:  increase(site_provisioning_total{outcome="rollback_failed"}[1h]) > 0
//
// ProvisioningStageDuration observes each stage of the pipeline, labelled {stage}.
// ProvisioningStageFailuresTotal counts the stage at which a request failed.
var (
	SitesProvisionedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_provisioning_total",
			Help: "Total number of site provisioning requests, by outcome.",
		},
		[]string{"outcome"},
	)

	ProvisioningStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "site_provisioning_stage_duration_seconds",
			Help:    "Duration of each provisioning stage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	ProvisioningStageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_provisioning_stage_failures_total",
			Help: "Total number of provisioning failures, by the stage that failed.",
		},
		[]string{"stage"},
	)
)

// CompensationsTotal counts rollback steps, labelled {step, result} where result is
// "ok" or "error". Any "error" sample means a tenant was left partially provisioned
// and its registry record is marked rollback_failed.
var CompensationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "site_provisioning_compensations_total",
		Help: "Total number of rollback steps executed, by step and result.",
	},
	[]string{"step", "result"},
)

// SeedReloadsTotal counts reloads of the seed script triggered by file changes,
// labelled {result}. A reload that fails keeps the previously loaded script.
var SeedReloadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "seed_reloads_total",
		Help: "Total number of seed script reloads, by result.",
	},
	[]string{"result"},
)

// StaleClaimsReapedTotal counts registry records moved from provisioning to abandoned
// by the stale claim reaper.
var StaleClaimsReapedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "stale_claims_reaped_total",
		Help: "Total number of stale provisioning claims marked abandoned.",
	},
)

// DBOpenConnections tracks the number of open connections held by the control-plane
// sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <SPV_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples the pool statistics every 30 seconds until ctx is
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
