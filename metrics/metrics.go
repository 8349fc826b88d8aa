// Package metrics defines prometheus metric types for the Homa transport
// and provides convenience methods to add accounting to various parts of
// the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: packets, RPCs, grants.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts every packet the dispatcher handles, by wire
	// type ("DATA", "GRANT", "RESEND", "RESTART", "BUSY", "CUTOFFS",
	// "FREEZE") and outcome ("handled", "discarded", "decode_error").
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homa_packets_total",
			Help: "Packets processed by the dispatcher, by wire type and outcome.",
		}, []string{"type", "outcome"})

	// RPCsStartedTotal counts RPCs entering OUTGOING (client Send) or
	// INCOMING (server's first DATA), by role.
	RPCsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homa_rpcs_started_total",
			Help: "RPCs started, by role (client/server).",
		}, []string{"role"})

	// RPCsAbortedTotal counts RPCs the timer gave up on after
	// AbortResends, by role.
	RPCsAbortedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homa_rpcs_aborted_total",
			Help: "RPCs aborted after exceeding AbortResends.",
		}, []string{"role"})

	// ResendsSentTotal counts RESEND packets issued by the timer sweep.
	ResendsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homa_resends_sent_total",
			Help: "RESEND packets sent by the timer.",
		},
	)

	// RestartsSentTotal counts RESTART packets sent in reply to a RESEND
	// or BUSY for an RPC no longer tracked.
	RestartsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homa_restarts_sent_total",
			Help: "RESTART packets sent for unrecognized RESEND or BUSY targets.",
		},
	)

	// GrantableSetSize tracks how many RPCs are in the global SRPT
	// grantable set at the moment each IssueGrants pass runs.
	GrantableSetSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homa_grantable_set_size",
			Help:    "Number of RPCs in the grantable set at each grant pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// GrantsIssuedTotal counts individual GRANT packets emitted.
	GrantsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homa_grants_issued_total",
			Help: "GRANT packets issued by the scheduler.",
		},
	)

	// PacerQueueDepth tracks the throttled-list length each time the
	// pacer's send loop checks it.
	PacerQueueDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homa_pacer_queue_depth",
			Help:    "Length of the pacer's throttled list, sampled per send-loop iteration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// NICQueueIdleEstimate tracks the pacer's estimated drain time for
	// the NIC's current send queue, in seconds.
	NICQueueIdleEstimate = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "homa_nic_queue_idle_estimate_seconds",
			Help: "Pacer's estimated NIC queue drain time.",
			Buckets: []float64{
				0.00001, 0.00002, 0.00005, 0.0001, 0.0002, 0.0005,
				0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1,
			},
		},
	)

	// CutoffRefreshesSentTotal counts CUTOFFS packets sent to refresh a
	// peer whose observed cutoff version had fallen behind.
	CutoffRefreshesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homa_cutoff_refreshes_sent_total",
			Help: "CUTOFFS packets sent to refresh a lagging peer.",
		},
	)

	// MessageCompletionSeconds tracks end-to-end latency from an
	// outbound message's creation to its completion, by role and
	// whether scheduling (grants) was involved. It is registered, but no
	// code path in this module observes it.
	MessageCompletionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "homa_message_completion_seconds",
			Help: "Time from message start to completion.",
			Buckets: []float64{
				0.00002, 0.00005, 0.0001, 0.0002, 0.0005,
				0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5, 1,
			},
		}, []string{"role", "scheduled"})

	// ReaperPending tracks how many RPCs are queued for reaping at each
	// drain call, sampled per socket.
	ReaperPending = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homa_reaper_pending",
			Help:    "Dead RPCs awaiting buffer release, sampled per reap pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// PeerTableSize tracks the size of the peer table, sampled on each
	// tick of the transport's timer loop.
	PeerTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homa_peer_table_size",
			Help: "Number of distinct peers ever contacted.",
		},
	)
)

// init prints a log message to let the user know that the package has
// been loaded and the metrics registered. The metrics are auto-registered,
// which means they are registered as soon as this package is loaded, and
// the exact time this occurs (and whether this occurs at all in a given
// context) can be opaque.
func init() {
	log.Println("Prometheus metrics in homa.metrics are registered.")
}
