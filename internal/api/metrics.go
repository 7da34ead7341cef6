package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Invoke targets and outcomes.
const (
	targetWorker = "worker"
	targetMain   = "main"

	invokeAnswered    = "answered"
	invokeNotFound    = "not_found"
	invokeUnavailable = "unavailable"
	invokeDropped     = "dropped"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	invokesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_http_invokes_total",
			Help: "Invocations relayed to workers, by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	invokeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_http_invoke_duration_seconds",
			Help:    "Time from routing an invocation until the worker answered.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, invokesTotal, invokeDuration)
}

// observeInvoke counts one invocation. Only answered ones are timed.
func observeInvoke(target, outcome string, start time.Time) {
	invokesTotal.WithLabelValues(target, outcome).Inc()
	if outcome == invokeAnswered {
		invokeDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	}
}

// metricsMiddleware records request count and duration, labelled by chi
// route pattern so worker keys never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
