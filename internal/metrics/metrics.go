// Package metrics holds the Prometheus collectors for pipeline runs, API
// calls, warehouse writes and health checks.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crypto_pipeline"

// Health status values exported by the health_status gauge.
var healthLevels = map[string]float64{
	"healthy":   0,
	"warning":   1,
	"unhealthy": 2,
	"error":     3,
}

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of pipeline runs by terminal status.",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"status"},
	)

	stageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "stage_failures_total",
			Help:      "Total number of failed stages.",
		},
		[]string{"stage"},
	)

	recordsLoaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "warehouse",
			Name:      "records_loaded_total",
			Help:      "Total number of price records written to the warehouse.",
		},
	)

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of market data API requests by outcome.",
		},
		[]string{"outcome"},
	)

	healthStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Last health check result (0=healthy, 1=warning, 2=unhealthy, 3=error).",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		runsTotal,
		runDuration,
		stageFailures,
		recordsLoaded,
		apiRequests,
		healthStatus,
		httpRequests,
		httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRun records a finished pipeline run.
func RecordRun(status string, records int, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	runsTotal.WithLabelValues(status).Inc()
	runDuration.WithLabelValues(status).Observe(duration.Seconds())
	if records > 0 {
		recordsLoaded.Add(float64(records))
	}
}

// RecordStageFailure counts a failed extract or load stage.
func RecordStageFailure(stage string) {
	stageFailures.WithLabelValues(stage).Inc()
}

// RecordAPIRequest counts a market data request. outcome is "ok",
// "rate_limited", "client_error", "server_error" or "transport_error".
func RecordAPIRequest(outcome string) {
	apiRequests.WithLabelValues(outcome).Inc()
}

// SetHealthStatus exports the latest health classification. Unknown values
// map to error.
func SetHealthStatus(status string) {
	level, ok := healthLevels[status]
	if !ok {
		level = healthLevels["error"]
	}
	healthStatus.Set(level)
}

// InstrumentHandler wraps next with HTTP request metrics. Requests are
// labeled by their chi route pattern to keep cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
