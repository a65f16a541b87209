package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "computeshare_tasks_processed_total",
			Help: "Total number of tasks computed, signed and submitted",
		},
		[]string{"operation"},
	)

	TasksIdleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "computeshare_tasks_idle_total",
			Help: "Total number of polls that returned no task",
		},
	)

	TasksSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "computeshare_tasks_skipped_total",
			Help: "Total number of tasks dropped without submission",
		},
		[]string{"reason"}, // invalid_task, non_finite_output, signing_failed
	)

	SubmissionsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "computeshare_submissions_failed_total",
			Help: "Total number of result submissions the coordinator did not accept",
		},
	)

	GossipPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "computeshare_gossip_published_total",
			Help: "Total number of signed results published to the gossip topic",
		},
	)

	GossipPublishFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "computeshare_gossip_publish_failed_total",
			Help: "Total number of gossip publishes that failed",
		},
	)

	GossipReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "computeshare_gossip_received_total",
			Help: "Total number of inbound gossip messages by outcome",
		},
		[]string{"outcome"}, // observed, duplicate, rate_limited, malformed, own
	)

	HandoffDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "computeshare_handoff_dropped_total",
			Help: "Total number of gossip payloads dropped by the handoff queue cap",
		},
	)

	// Gauges
	HandoffQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "computeshare_handoff_queue_depth",
			Help: "Current number of payloads waiting in the handoff queue",
		},
	)

	PeersKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "computeshare_peers_known",
			Help: "Current number of peers in the gossip membership view",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "computeshare_circuit_breaker_state",
			Help: "Coordinator circuit breaker state per endpoint (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint"},
	)

	BalanceTrust = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "computeshare_balance_trust",
			Help: "Last observed trust score reported by the coordinator",
		},
	)

	BalanceTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "computeshare_balance_tokens",
			Help: "Last observed token balance reported by the coordinator",
		},
	)

	// Histograms
	CoordinatorRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "computeshare_coordinator_request_seconds",
			Help:    "Coordinator request latency per attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)
)
