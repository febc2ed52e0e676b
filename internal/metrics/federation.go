package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientSessionsActive tracks currently registered local clients
	ClientSessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "clients_active",
			Help:      "Number of currently registered client sessions",
		},
	)

	// NeighboursActive tracks peers with at least one open link
	NeighboursActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "neighbours_active",
			Help:      "Number of currently active neighbour servers",
		},
	)

	// RosterSize tracks the total client population across the mesh
	RosterSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "roster_clients",
			Help:      "Total number of clients across all roster entries",
		},
	)

	// BroadcastsSent tracks fan-outs to the neighbourhood by message type
	BroadcastsSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts to the neighbourhood",
		},
		[]string{"type"},
	)

	// PeerSendFailures tracks failed deliveries that tore a peer down
	PeerSendFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "peer_send_failures_total",
			Help:      "Total number of peer deliveries that failed and removed the peer",
		},
	)
)
