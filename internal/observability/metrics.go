package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of tasks accepted by the gateway",
		},
	)
	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of task envelopes published to the broker",
		},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_terminal_total",
			Help: "Total number of tasks reaching a terminal state, by state",
		},
		[]string{"state"},
	)
	TaskTicksHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "task_ticks",
			Help:    "Distribution of ticks consumed per task",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
		},
	)

	PendingStatusUpdates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "status_pending_updates",
			Help: "Number of status updates buffered for background retry",
		},
	)
	StatusRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_retries_total",
			Help: "Status update retry attempts, by outcome",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskTicksHistogram)
	prometheus.MustRegister(PendingStatusUpdates)
	prometheus.MustRegister(StatusRetriesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
