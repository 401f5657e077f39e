// Package metrics provides Prometheus metrics for the sync layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SavesTotal counts save-function invocations by outcome (ok, failed, skipped).
	SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_autosave_saves_total",
			Help: "Total number of auto-save attempts",
		},
		[]string{"outcome"},
	)

	SaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "naskah_autosave_save_duration_seconds",
			Help:    "Duration of save-function calls in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// QueueOpsTotal counts durable queue operations (enqueued, replayed, requeued, dropped).
	QueueOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_save_queue_operations_total",
			Help: "Total number of durable save queue operations",
		},
		[]string{"operation"},
	)

	LockOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_section_lock_outcomes_total",
			Help: "Section lock operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ReconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "naskah_connection_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
	)

	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "naskah_hub_connected_clients",
			Help: "Number of websocket clients currently registered with the hub",
		},
	)

	VersionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_versions_created_total",
			Help: "Document versions created, split by rollback flag",
		},
		[]string{"rollback"},
	)
)

// RecordSave records one save-function call.
func RecordSave(outcome string, duration time.Duration) {
	SavesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		SaveDuration.Observe(duration.Seconds())
	}
}

// RecordQueue records a durable queue operation.
func RecordQueue(operation string) {
	QueueOpsTotal.WithLabelValues(operation).Inc()
}

// RecordLock records a lock operation outcome.
func RecordLock(operation, outcome string) {
	LockOutcomesTotal.WithLabelValues(operation, outcome).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
