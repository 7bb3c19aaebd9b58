package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rescoord"

var (
	// ConnectionsActive tracks sockets registered with the multiplexer
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of peer connections registered with the multiplexer",
		},
	)

	// ConnectionsClosed counts closed connections by reason
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of closed peer connections",
		},
		[]string{"reason"}, // peer_closed/protocol_error/io_error/local
	)

	// BytesTotal counts raw socket bytes
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total raw bytes read from and written to peer sockets",
		},
		[]string{"direction"}, // in/out
	)

	// FramesTotal counts complete frames
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of complete frames decoded or queued for sending",
		},
		[]string{"direction"},
	)

	// ProtocolErrors counts rejected frames
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of frames rejected by the codec",
		},
	)

	// MessagesDispatched counts router dispatch results by action and outcome
	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total number of inbound messages handled by the router",
		},
		[]string{"action", "outcome"}, // outcome: waiter/handled/unrouted/dropped
	)

	// WaitDuration measures WaitForAll latency
	WaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_duration_seconds",
			Help:      "Duration of response waits in seconds",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 10, 30},
		},
		[]string{"status"}, // ok/timeout/cancelled
	)

	// PolicyActions counts performed policy actions
	PolicyActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_actions_total",
			Help:      "Total number of policy actions performed",
		},
		[]string{"action", "status"},
	)

	// TopologyNodes tracks known peer nodes
	TopologyNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_nodes",
			Help:      "Number of nodes in the topology",
		},
		[]string{"state"}, // active/inactive
	)
)

// Handler exposes the default registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Status returns the label used for success/failure counters.
func Status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
