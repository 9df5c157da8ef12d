package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentnet_http_requests_total",
			Help: "Total inbound HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "silentnet_http_request_duration_seconds",
			Help:    "Inbound HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Messaging metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentnet_messages_sent_total",
			Help: "Outbound message attempts",
		},
		[]string{"result"}, // "delivered", "failed", "rejected"
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentnet_messages_received_total",
			Help: "Inbound messages",
		},
		[]string{"result"}, // "ok" or "decrypt_failed"
	)

	HistoryAutoDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silentnet_history_auto_deleted_total",
			Help: "History entries removed by the auto-delete sweep",
		},
	)

	// Discovery metrics
	Probes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentnet_probes_total",
			Help: "Outbound identity probes",
		},
		[]string{"kind", "result"}, // kind: "connect", "scan", "monitor"
	)

	PeersKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "silentnet_peers_known",
			Help: "Peers in the directory",
		},
	)

	PeersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "silentnet_peers_online",
			Help: "Peers that answered their last probe",
		},
	)
)

// ProbeResult returns the label value for a probe outcome.
func ProbeResult(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
