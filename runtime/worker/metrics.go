package worker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	workerComputations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_worker_computations",
			Help: "Number of computations by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	workerComputationLatency = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "enclave_worker_computation_latency",
			Help: "Computation latency (seconds).",
		},
		[]string{"kind"},
	)
	workerQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enclave_worker_queue_size",
			Help: "Number of computations waiting for the compute thread.",
		},
	)

	workerCollectors = []prometheus.Collector{
		workerComputations,
		workerComputationLatency,
		workerQueueSize,
	}

	metricsOnce sync.Once
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeAborted = "aborted"
)

// initMetrics registers the metrics collectors.
func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(workerCollectors...)
	})
}
