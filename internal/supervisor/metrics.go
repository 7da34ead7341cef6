package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/hearth/internal/model"
)

var (
	terminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_supervisor_terminations_total",
			Help: "Forced worker terminations, by reason.",
		},
		[]string{"reason"},
	)

	drainsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_supervisor_drains_total",
			Help: "Workers retired to drain after a per-request budget overrun with requests pending.",
		},
	)
)

func init() {
	prometheus.MustRegister(terminationsTotal, drainsTotal)

	for _, r := range []model.ShutdownReason{model.ReasonCPUBudget, model.ReasonWallClock, model.ReasonCancelled} {
		terminationsTotal.WithLabelValues(string(r))
	}
}
