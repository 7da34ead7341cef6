package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/hearth/internal/model"
)

// Notification targets.
const (
	targetEventSink = "event_sink"
	targetPool      = "pool"
)

var (
	bootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_worker_boot_seconds",
			Help:    "Engine boot duration in seconds, by worker kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	bootFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_worker_boot_failures_total",
			Help: "Engine boots that failed, by worker kind.",
		},
		[]string{"kind"},
	)

	cpuTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearth_worker_cpu_seconds",
			Help:    "CPU time reported by terminal worker outcomes, in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_worker_outcomes_total",
			Help: "Terminal worker outcomes, by event type.",
		},
		[]string{"type"},
	)

	notificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_worker_notification_failures_total",
			Help: "Outcome or shutdown notifications that could not be delivered, by target.",
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(bootDuration, bootFailures, cpuTime, outcomesTotal, notificationFailures)

	for _, typ := range []model.EventType{model.EventShutdown, model.EventUncaughtException, model.EventBootFailure} {
		outcomesTotal.WithLabelValues(string(typ))
	}
	notificationFailures.WithLabelValues(targetEventSink)
	notificationFailures.WithLabelValues(targetPool)
}
