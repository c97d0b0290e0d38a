// Package metrics provides Prometheus metrics for the archive repository.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all arcrepo metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds the coordinator's Prometheus metrics.
type Metrics struct {
	// Store lifecycle
	StoresStarted     prometheus.Counter
	StoresCompleted   *prometheus.CounterVec // labels: result (ok, failed, conflict)
	ChecksumConflicts prometheus.Counter
	PendingStores     prometheus.Gauge

	// Per replica verification
	VerificationMismatches *prometheus.CounterVec // labels: replica
	UploadRetries          *prometheus.CounterVec // labels: replica
	ChecksumRequests       *prometheus.CounterVec // labels: replica

	// Messaging
	UnknownCorrelations prometheus.Counter
	InboundMessages     *prometheus.CounterVec // labels: type

	// Admin data snapshot, refreshed by Collector
	FilesByState *prometheus.GaugeVec // labels: replica, state
}

// New registers the coordinator metrics with reg. Pass Registry to expose
// them on Handler.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		StoresStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arcrepo_stores_started_total",
			Help: "Total store requests accepted",
		}),
		StoresCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcrepo_stores_completed_total",
			Help: "Total store requests answered, by result",
		}, []string{"result"}),
		ChecksumConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arcrepo_checksum_conflicts_total",
			Help: "Store requests rejected because the checksum differs from the record",
		}),
		PendingStores: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "arcrepo_pending_stores",
			Help: "Store requests waiting for a reply",
		}),
		VerificationMismatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcrepo_verification_mismatches_total",
			Help: "Checksums reported by a replica that differ from the expected checksum",
		}, []string{"replica"}),
		UploadRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcrepo_upload_retries_total",
			Help: "Uploads reissued after a replica reported no checksum",
		}, []string{"replica"}),
		ChecksumRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcrepo_checksum_requests_total",
			Help: "Checksum requests sent to replicas",
		}, []string{"replica"}),
		UnknownCorrelations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arcrepo_unknown_correlations_total",
			Help: "Replies discarded because their correlation id was unknown",
		}),
		InboundMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcrepo_inbound_messages_total",
			Help: "Replica messages received, by type",
		}, []string{"type"}),
		FilesByState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcrepo_files",
			Help: "Files in the admin data, by replica and store state",
		}, []string{"replica", "state"}),
	}
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
