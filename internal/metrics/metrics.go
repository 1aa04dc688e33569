// Package metrics provides Prometheus metrics for observability, plus
// process-resource gauges sourced from gopsutil that back the replay
// cache's memory budget check.
package metrics

import (
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

const namespace = "streamgw"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Connection Pool Manager
	PoolConnectionsTotal  *prometheus.GaugeVec
	PoolOverCapacity      *prometheus.CounterVec

	// Stream Data Fetcher
	FetcherActiveConnections prometheus.Gauge
	FetcherReconnectsTotal   prometheus.Counter
	FetcherCircuitOpen       prometheus.Gauge
	FetcherHealthCheckLatency *prometheus.HistogramVec
	FetcherConcurrencyLimit  prometheus.Gauge

	// Streaming Pipeline
	StreamPushLatencyMs   *prometheus.HistogramVec
	BackPressureDrops     *prometheus.CounterVec
	RuleLookupFailures    prometheus.Counter
	TransformFailures     prometheus.Counter
	BatchFlushTotal       prometheus.Counter
	BatchSize             prometheus.Histogram
	BatchFailureTotal     prometheus.Counter
	BatchDegradedTotal    prometheus.Counter
	CacheSkippedNoSubscriberTotal prometheus.Counter

	// Client State Manager
	ActiveClients   prometheus.Gauge
	ActiveSymbols   prometheus.Gauge
	BroadcastDrops  prometheus.Counter
	GatewayBroadcastErrors prometheus.Counter

	// Replay Cache
	WarmCacheFailures prometheus.Counter
	HotCacheSize      prometheus.Gauge
	ReplayMemoryBytes prometheus.Gauge

	// Recovery Worker Pool
	RecoveryAdmitted  prometheus.Counter
	RecoveryRejected  *prometheus.CounterVec
	RecoveryCompleted prometheus.Counter
	RecoveryFailed    prometheus.Counter
	RecoveryQueueDepth prometheus.Gauge

	// Process
	ProcessRSSBytes prometheus.Gauge
	ProcessCPUPercent prometheus.Gauge

	proc      *process.Process
	lastRSSMB atomic.Value // float64
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics returns the process-wide Metrics instance. The first call
// registers all gauges/counters against the default Prometheus registry;
// later calls return that same instance, since the default registry
// rejects a second registration of the same metric names.
func NewMetrics() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = newMetrics() })
	return defaultMetrics
}

func newMetrics() *Metrics {
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Metrics{
		PoolConnectionsTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_connections", Help: "Active pool connections by dimension.",
		}, []string{"dimension"}), // the pool sets "global" only

		PoolOverCapacity: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_over_capacity_total", Help: "Admission rejections due to pool capacity.",
		}, []string{"dimension"}),

		FetcherActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fetcher_active_connections", Help: "Active upstream stream connections.",
		}),
		FetcherReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetcher_reconnects_total", Help: "Total upstream reconnect attempts.",
		}),
		FetcherCircuitOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fetcher_circuit_open", Help: "1 if the adaptive concurrency circuit breaker is open.",
		}),
		FetcherHealthCheckLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fetcher_health_check_latency_seconds", Help: "Health check round trip latency by tier.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"tier"}),
		FetcherConcurrencyLimit: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fetcher_concurrency_limit", Help: "Current adaptive concurrency limit.",
		}),

		StreamPushLatencyMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stream_push_latency_ms", Help: "Per-point pipeline latency in milliseconds, from the start of the cache write through the broadcast; ingest, batching and transform time are not included.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}, []string{"provider", "symbol_type", "data_type"}),
		BackPressureDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "back_pressure_drop_total", Help: "Ticks dropped due to pipeline back-pressure.",
		}, []string{"symbol"}),
		RuleLookupFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_lookup_failure_total", Help: "Rule lookups that failed to resolve a transform rule.",
		}),
		TransformFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transform_failure_total", Help: "Ticks dropped due to transform errors.",
		}),
		BatchFlushTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_flush_total", Help: "Micro-batch flushes performed.",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_size", Help: "Items per flushed micro-batch.",
			Buckets: []float64{1, 10, 50, 100, 150, 200},
		}),
		BatchFailureTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_failure_total", Help: "Micro-batches that exhausted retries on rule lookup.",
		}),
		BatchDegradedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_degraded_total", Help: "Micro-batches dropped entirely after exhausting retries.",
		}),
		CacheSkippedNoSubscriberTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_skipped_no_subscriber_total", Help: "Ticks not cached because no client was subscribed to the symbol.",
		}),

		ActiveClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_clients", Help: "Currently subscribed clients.",
		}),
		ActiveSymbols: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_symbols", Help: "Symbols with at least one subscriber.",
		}),
		BroadcastDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_drop_total", Help: "Broadcasts dropped due to slow consumers.",
		}),
		GatewayBroadcastErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_broadcast_error_total", Help: "Errors raised by broadcastToSymbolViaGateway.",
		}),

		WarmCacheFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "warm_cache_failure_total", Help: "Warm-tier (Redis Streams) write/read failures.",
		}),
		HotCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hot_cache_size", Help: "Total entries currently held in the hot replay tier.",
		}),
		ReplayMemoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "replay_memory_bytes", Help: "Estimated hot-tier memory footprint in bytes.",
		}),

		RecoveryAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_admitted_total", Help: "Recovery tasks admitted to the worker pool.",
		}),
		RecoveryRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_rejected_total", Help: "Recovery tasks rejected at admission.",
		}, []string{"reason"}),
		RecoveryCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_completed_total", Help: "Recovery tasks completed successfully.",
		}),
		RecoveryFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_failed_total", Help: "Recovery tasks that ended in recovery_failed.",
		}),
		RecoveryQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_queue_depth", Help: "Pending recovery tasks in the priority queue.",
		}),

		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_rss_bytes", Help: "Resident set size of this process.",
		}),
		ProcessCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_cpu_percent", Help: "Process CPU utilization percent.",
		}),

		proc: proc,
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SampleProcess refreshes the process resource gauges. Call periodically
// (e.g. every few seconds) from a single goroutine; gopsutil's calls are
// not cheap enough to run on every tick.
func (m *Metrics) SampleProcess() {
	if m.proc == nil {
		return
	}
	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		m.ProcessRSSBytes.Set(float64(mem.RSS))
		m.lastRSSMB.Store(float64(mem.RSS) / (1024 * 1024))
	}
	if pct, err := m.proc.CPUPercent(); err == nil {
		m.ProcessCPUPercent.Set(pct)
	}
}

// RSSMegabytes returns the last-sampled resident set size in megabytes,
// used by the replay cache's memoryAlertThresholdMb fail-closed check.
func (m *Metrics) RSSMegabytes() float64 {
	if v, ok := m.lastRSSMB.Load().(float64); ok {
		return v
	}
	return 0
}

// Uptime returns how long this process has been running.
func Uptime(start time.Time) time.Duration {
	return time.Since(start)
}
