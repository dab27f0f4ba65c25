package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodeOnline tracks per-node liveness as seen by the poller.
	NodeOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infer_node_online",
		Help: "Node liveness (1 = online, 0 = offline)",
	}, []string{"node"})

	// NodeBusy tracks per-node exclusivity locks.
	NodeBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infer_node_busy",
		Help: "Node exclusivity lock state (1 = serving a request)",
	}, []string{"node"})

	// NodeGPUUtilization mirrors the latest polled GPU utilization.
	NodeGPUUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infer_node_gpu_utilization_percent",
		Help: "Latest GPU utilization reported by the node monitor",
	}, []string{"node"})

	// NodeGPUTemperature mirrors the latest polled GPU temperature.
	NodeGPUTemperature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infer_node_gpu_temperature_celsius",
		Help: "Latest GPU temperature reported by the node monitor",
	}, []string{"node"})

	// PollLatency tracks monitor endpoint roundtrip time.
	PollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infer_poll_latency_seconds",
		Help:    "Telemetry poll roundtrip latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// PollFailures counts failed telemetry polls per node.
	PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infer_poll_failures_total",
		Help: "Failed telemetry polls (timeout, HTTP error, malformed payload)",
	}, []string{"node"})

	// SchedulerDecisions counts scheduling outcomes.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infer_scheduler_decisions_total",
		Help: "Total scheduling decisions",
	}, []string{"outcome"}) // assigned, no_node

	// DispatchResults counts proxied request outcomes.
	DispatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infer_dispatch_results_total",
		Help: "Proxied inference request outcomes",
	}, []string{"result"}) // completed, failover, truncated, upstream_error, disconnected

	// ActiveStreams tracks in-flight streaming responses.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infer_active_streams",
		Help: "Currently open streaming responses",
	})

	// LockContention counts acquisition attempts that lost the node race.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infer_lock_contention_total",
		Help: "Node lock acquisitions that failed because another request won",
	})

	// BatchItems counts processed batch dataset items.
	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infer_batch_items_total",
		Help: "Batch dataset items processed",
	}, []string{"result"}) // completed, failed

	// BatchJobsActive tracks jobs currently running.
	BatchJobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infer_batch_jobs_active",
		Help: "Batch jobs currently in the running state",
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infer_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// ConnectedDashboards tracks live status WebSocket subscribers.
	ConnectedDashboards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infer_connected_dashboards",
		Help: "Current number of status stream subscribers",
	})

	// RedisLatency tracks job store roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infer_redis_roundtrip_latency_seconds",
		Help:    "Redis job store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// ArchiveWrites counts terminal-job archive attempts.
	ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infer_archive_writes_total",
		Help: "Completed-job archive writes to Postgres",
	}, []string{"status"}) // ok, error
)
