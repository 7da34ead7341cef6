package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_pool_active_workers",
			Help: "User workers that are booted and accepting connections.",
		},
	)

	retiredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_pool_retired_workers",
			Help: "User workers draining after retirement.",
		},
	)

	workerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_pool_worker_requests_total",
			Help: "Connections routed to each live user worker.",
		},
		[]string{"worker_key"},
	)

	poolMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_pool_messages_total",
			Help: "Pool messages handled, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(activeWorkers, retiredWorkers, workerRequests, poolMessages)
}
