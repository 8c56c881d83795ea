// Package metrics provides Prometheus metrics for the mirror engine.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Action-packet metrics
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmirror_batches_total",
			Help: "Action-packet batches by outcome",
		},
		[]string{"outcome"},
	)

	packetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmirror_packets_total",
			Help: "Action packets processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudmirror_batch_duration_seconds",
			Help:    "Time to apply one action-packet batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Decode pipeline metrics
	decodeBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmirror_decode_batches_total",
			Help: "Decode batches by execution path",
		},
		[]string{"path"},
	)

	decodeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudmirror_decode_failures_total",
			Help: "Nodes whose attributes could not be decoded",
		},
	)

	missingKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudmirror_missing_keys",
			Help: "Nodes currently waiting for key material",
		},
	)

	// Graph and ledger metrics
	storeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudmirror_store_nodes",
			Help: "Number of nodes in the mirrored graph",
		},
	)

	sharesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudmirror_shares_active",
			Help: "Number of share records in the ledger",
		},
	)

	notificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmirror_notifications_dropped_total",
			Help: "Notifications dropped for slow subscribers",
		},
		[]string{"channel"},
	)

	// Request metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmirror_requests_total",
			Help: "API requests by command and result code",
		},
		[]string{"command", "code"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBatch records one processed batch.
func RecordBatch(outcome string, seconds float64) {
	batchesTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		batchDuration.Observe(seconds)
	}
}

// RecordPacket records one processed action packet.
func RecordPacket(kind, outcome string) {
	packetsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDecodeBatch records which path a decode batch took.
func RecordDecodeBatch(path string) {
	decodeBatchesTotal.WithLabelValues(path).Inc()
}

// RecordDecodeFailures adds n undecodable nodes.
func RecordDecodeFailures(n int) {
	if n > 0 {
		decodeFailuresTotal.Add(float64(n))
	}
}

// SetMissingKeys sets the missing-key gauge.
func SetMissingKeys(n int) {
	missingKeys.Set(float64(n))
}

// SetStoreNodes sets the graph size gauge.
func SetStoreNodes(n int) {
	storeNodes.Set(float64(n))
}

// SetSharesActive sets the share ledger gauge.
func SetSharesActive(n int) {
	sharesActive.Set(float64(n))
}

// RecordNotificationDropped counts a notification dropped for a slow consumer.
func RecordNotificationDropped(channel string) {
	notificationsDropped.WithLabelValues(channel).Inc()
}

// RecordRequest records an API request result code (0 on success).
func RecordRequest(command string, code int) {
	requestsTotal.WithLabelValues(command, strconv.Itoa(code)).Inc()
}
