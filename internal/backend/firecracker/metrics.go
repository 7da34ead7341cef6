package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Relay outcomes, named after the worker outcome each one leads to.
const (
	relayServed     = "served"
	relayUncaught   = "uncaught"
	relayTerminated = "terminated"
)

var relayOutcomes = []string{relayServed, relayUncaught, relayTerminated}

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearth_firecracker_vm_boot_seconds",
			Help:    "Time from VMM start until the guest agent accepts connections.",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_firecracker_active_vms",
			Help: "MicroVMs currently backing a worker.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearth_firecracker_vm_cleanup_seconds",
			Help:    "Time to stop a worker's VM and tear down its network.",
			Buckets: prometheus.DefBuckets,
		},
	)

	relaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_firecracker_relays_total",
			Help: "Worker connections relayed to a guest agent, by guest runtime and outcome.",
		},
		[]string{"runtime", "outcome"},
	)

	cpuSampleFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_firecracker_cpu_sample_failures_total",
			Help: "VMM CPU time reads that failed while feeding a supervisor.",
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration, activeVMs, vmCleanupDuration, relaysTotal, cpuSampleFailures)

	for _, rt := range SupportedRuntimes {
		for _, outcome := range relayOutcomes {
			relaysTotal.WithLabelValues(rt, outcome)
		}
	}
}
