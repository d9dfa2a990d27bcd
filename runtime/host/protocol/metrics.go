package protocol

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	protocolLatency = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "enclave_worker_protocol_latency",
			Help: "Worker host protocol call latency (seconds).",
		},
		[]string{"call"},
	)
	protocolCallSuccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_worker_protocol_successes",
			Help: "Number of successful worker host protocol calls.",
		},
		[]string{"call"},
	)
	protocolCallFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_worker_protocol_failures",
			Help: "Number of failed worker host protocol calls.",
		},
		[]string{"call"},
	)
	protocolCallTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclave_worker_protocol_timeouts",
			Help: "Number of timed out worker host protocol calls.",
		},
	)
	protocolDecodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclave_worker_protocol_decode_failures",
			Help: "Number of connections terminated due to malformed messages.",
		},
	)

	protocolCollectors = []prometheus.Collector{
		protocolLatency,
		protocolCallSuccesses,
		protocolCallFailures,
		protocolCallTimeouts,
		protocolDecodeFailures,
	}

	metricsOnce sync.Once
)

// initMetrics registers the metrics collectors.
func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(protocolCollectors...)
	})
}
