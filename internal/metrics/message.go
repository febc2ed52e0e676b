package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed tracks frames handled by inner type and outcome
	MessagesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "processed_total",
			Help:      "Total number of messages processed",
		},
		[]string{"type", "status"}, // hello/chat/..., accepted/dropped
	)

	// SignatureVerifications tracks envelope signature checks
	SignatureVerifications = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "signature_verifications_total",
			Help:      "Total number of envelope signature verifications",
		},
		[]string{"status"}, // valid, invalid, unidentified
	)

	// ReplaysRejected tracks envelopes dropped by the counter guard
	ReplaysRejected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "replays_rejected_total",
			Help:      "Total number of envelopes rejected as replays",
		},
	)

	// ParseFailures tracks malformed frames
	ParseFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "parse_failures_total",
			Help:      "Total number of frames dropped as malformed",
		},
	)
)
