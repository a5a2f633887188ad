package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters, gauges and histograms.

var (
	// Failover client
	RPCAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txpipeline",
		Subsystem: "rpc",
		Name:      "attempts_total",
		Help:      "RPC attempts per endpoint and outcome (ok, transient, terminal)",
	}, []string{"endpoint", "method", "outcome"})

	RPCAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "txpipeline",
		Subsystem: "rpc",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of single RPC attempts",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint", "method"})

	RPCUnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txpipeline",
		Subsystem: "rpc",
		Name:      "all_endpoints_unavailable_total",
		Help:      "Calls that exhausted every endpoint",
	}, []string{"method"})

	EndpointHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "txpipeline",
		Subsystem: "rpc",
		Name:      "endpoint_healthy",
		Help:      "1 when the last getHealth probe of the endpoint succeeded",
	}, []string{"endpoint"})

	// Outbox
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "txpipeline",
		Subsystem: "outbox",
		Name:      "depth",
		Help:      "Rows currently in the active outbox",
	})

	OutboxRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "txpipeline",
		Subsystem: "outbox",
		Name:      "runs_total",
		Help:      "Worker runs",
	})

	OutboxResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txpipeline",
		Subsystem: "outbox",
		Name:      "results_total",
		Help:      "Submission results per outcome",
	}, []string{"outcome"})

	OutboxFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txpipeline",
		Subsystem: "outbox",
		Name:      "permanently_failed_total",
		Help:      "Rows moved to the failed table per reason",
	}, []string{"reason"})

	// Confirmation monitor
	MonitorEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txpipeline",
		Subsystem: "monitor",
		Name:      "events_total",
		Help:      "Confirmation status events emitted",
	}, []string{"status"})

	MonitorActiveWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "txpipeline",
		Subsystem: "monitor",
		Name:      "active_watches",
		Help:      "Signatures currently being watched",
	})
)
