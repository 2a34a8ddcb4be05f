package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// latencyBuckets covers 50ms..5s plus +Inf, in seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// HTTPRequestsTotal counts HTTP requests by route and status across services.
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route and status.",
	},
	[]string{"route", "status"},
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "forgeos",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// --- Scheduler ---

var SchedulerTicksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total scheduler ticks executed.",
	},
)

var SchedulerDueAgents = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "forgeos",
		Subsystem: "scheduler",
		Name:      "due_agents",
		Help:      "Agents whose next cycle was due at the last tick.",
	},
)

var SchedulerRegisteredAgents = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "forgeos",
		Subsystem: "scheduler",
		Name:      "registered_agents",
		Help:      "Agents currently present in the registry.",
	},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "forgeos",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Execution queue depth by state.",
	},
	[]string{"state"}, // ready | processing | inflight
)

var QueueBootRecoveriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "queue",
		Name:      "boot_recoveries_total",
		Help:      "Boot recovery passes completed.",
	},
)

var QueueRequeuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "queue",
		Name:      "requeued_total",
		Help:      "Tasks requeued after an expired execution lease.",
	},
)

var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "dispatch",
		Name:      "total",
		Help:      "Cycle dispatch outcomes.",
	},
	[]string{"outcome"}, // queued | started | completed | failed
)

var CallbackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "callback",
		Name:      "total",
		Help:      "Callback delivery outcomes.",
	},
	[]string{"outcome"}, // success | error | dedupe_skipped
)

var CallbackDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "forgeos",
		Subsystem: "callback",
		Name:      "duration_seconds",
		Help:      "Callback POST latency in seconds.",
		Buckets:   latencyBuckets,
	},
)

var UpstreamDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "forgeos",
		Subsystem: "upstream",
		Name:      "duration_seconds",
		Help:      "Upstream market probe latency in seconds.",
		Buckets:   latencyBuckets,
	},
	[]string{"probe"}, // price | dag | balance
)

// --- Leader lock ---

var LeaderAcquiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "leader",
		Name:      "acquired_total",
		Help:      "Successful leader lock acquisitions.",
	},
)

var LeaderRenewFailedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "leader",
		Name:      "renew_failed_total",
		Help:      "Leader lock renewal failures.",
	},
)

var LeaderTransitionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "leader",
		Name:      "transitions_total",
		Help:      "Leadership state transitions (gained or lost).",
	},
)

var LeaderFenceToken = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "forgeos",
		Subsystem: "leader",
		Name:      "fence_token",
		Help:      "Fence token of the current leadership term (0 when follower).",
	},
)

var LeaderIsLeader = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "forgeos",
		Subsystem: "leader",
		Name:      "is_leader",
		Help:      "1 when this replica holds the leader lock.",
	},
)

var LeaderBackoffSeconds = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "forgeos",
		Subsystem: "leader",
		Name:      "backoff_seconds",
		Help:      "Current acquisition backoff interval in seconds.",
	},
)

// --- Redis ---

var RedisOpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "redis",
		Name:      "ops_total",
		Help:      "Redis operations by op name.",
	},
	[]string{"op"},
)

var RedisErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "redis",
		Name:      "errors_total",
		Help:      "Redis operation errors.",
	},
)

// --- Auth & quota ---

var AuthTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "auth",
		Name:      "total",
		Help:      "Authentication outcomes by method.",
	},
	[]string{"method", "outcome"}, // admin|service|hs256|rs256, ok|fail
)

var QuotaExceededTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "quota",
		Name:      "exceeded_total",
		Help:      "Requests rejected by per-subject quotas.",
	},
	[]string{"bucket"},
)

var JWKSFetchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "jwks",
		Name:      "fetches_total",
		Help:      "JWKS document fetches by outcome.",
	},
	[]string{"outcome"},
)

var OIDCDiscoveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "oidc",
		Name:      "discoveries_total",
		Help:      "OIDC discovery document fetches by outcome.",
	},
	[]string{"outcome"},
)

// --- Callback consumer ---

var ConsumerEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "consumer",
		Name:      "events_total",
		Help:      "Cycle events by outcome.",
	},
	[]string{"outcome"}, // accepted | duplicate | stale_fence | invalid
)

var ConsumerReceiptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "consumer",
		Name:      "receipts_total",
		Help:      "Execution receipts by outcome.",
	},
	[]string{"outcome"}, // stored | duplicate | invalid
)

var ConsumerDroppedRecordsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "consumer",
		Name:      "dropped_records_total",
		Help:      "Malformed records dropped during decoding.",
	},
)

// --- Audit signer ---

var SignerSignaturesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgeos",
		Subsystem: "signer",
		Name:      "signatures_total",
		Help:      "Signing operations by backend and outcome.",
	},
	[]string{"backend", "outcome"},
)

var SignerDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "forgeos",
		Subsystem: "signer",
		Name:      "duration_seconds",
		Help:      "Signing latency in seconds.",
		Buckets:   latencyBuckets,
	},
)

var SignerChainLength = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "forgeos",
		Subsystem: "signer",
		Name:      "chain_length",
		Help:      "Records appended to the audit chain since boot.",
	},
)

// All returns every ForgeOS-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal,
		SchedulerTicksTotal,
		SchedulerDueAgents,
		SchedulerRegisteredAgents,
		QueueDepth,
		QueueBootRecoveriesTotal,
		QueueRequeuedTotal,
		DispatchTotal,
		CallbackTotal,
		CallbackDuration,
		UpstreamDuration,
		LeaderAcquiredTotal,
		LeaderRenewFailedTotal,
		LeaderTransitionsTotal,
		LeaderFenceToken,
		LeaderIsLeader,
		LeaderBackoffSeconds,
		RedisOpsTotal,
		RedisErrorsTotal,
		AuthTotal,
		QuotaExceededTotal,
		JWKSFetchesTotal,
		OIDCDiscoveriesTotal,
		ConsumerEventsTotal,
		ConsumerReceiptsTotal,
		ConsumerDroppedRecordsTotal,
		SignerSignaturesTotal,
		SignerDuration,
		SignerChainLength,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP metrics, and any additional service-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
