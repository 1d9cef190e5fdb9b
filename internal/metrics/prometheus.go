package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds the Prometheus collectors backing the /metrics
// scrape endpoint. A nil *PrometheusMetrics is valid: every Record/Set
// helper below is nil-guarded so callers never need to check whether
// InitPrometheus was called.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	invocationsTotal     *prometheus.CounterVec
	invocationDuration   *prometheus.HistogramVec
	modulesLoadedTotal   prometheus.Counter
	modulesUnloadedTotal prometheus.Counter
	activeInvocations    prometheus.Gauge
	uptime               prometheus.GaugeFunc

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

var promMetrics *PrometheusMetrics

// InitPrometheus registers a fresh collector set under namespace and returns
// it; the returned value holds the registry backing the handler. buckets overrides the invocation-duration
// histogram boundaries (in seconds); pass nil for prometheus.DefBuckets.
func InitPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: reg,

		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total module invocations, labeled by module, entry point, and outcome.",
		}, []string{"module", "entry_point", "outcome"}),

		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Invocation wall-clock duration in seconds.",
			Buckets:   buckets,
		}, []string{"module", "entry_point"}),

		modulesLoadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modules_loaded_total",
			Help:      "Total successful module loads (fresh resolve or registry reuse).",
		}),

		modulesUnloadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modules_unloaded_total",
			Help:      "Total modules evicted from the registry.",
		}),

		activeInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_invocations",
			Help:      "Invocations currently holding a concurrency-limiter permit.",
		}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per origin: 0=closed, 1=half-open, 2=open.",
		}, []string{"origin"}),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total times a circuit breaker transitioned from closed to open.",
		}, []string{"origin"}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the metrics subsystem started.",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	reg.MustRegister(
		pm.invocationsTotal,
		pm.invocationDuration,
		pm.modulesLoadedTotal,
		pm.modulesUnloadedTotal,
		pm.activeInvocations,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
		pm.uptime,
	)

	promMetrics = pm
	return pm
}

// PrometheusRegistry returns the active registry, or nil if InitPrometheus
// was never called.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// PrometheusHandler returns an HTTP handler serving the registered
// collectors, or a 503 stub if InitPrometheus was never called.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// RecordPrometheusInvocation records one invocation's outcome and duration.
func RecordPrometheusInvocation(module, entryPoint, outcome string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationsTotal.WithLabelValues(module, entryPoint, outcome).Inc()
	promMetrics.invocationDuration.WithLabelValues(module, entryPoint).Observe(float64(durationMs) / 1000)
}

// RecordPrometheusModuleLoaded increments the module-load counter.
func RecordPrometheusModuleLoaded() {
	if promMetrics == nil {
		return
	}
	promMetrics.modulesLoadedTotal.Inc()
}

// RecordPrometheusModuleUnloaded increments the module-unload counter.
func RecordPrometheusModuleUnloaded() {
	if promMetrics == nil {
		return
	}
	promMetrics.modulesUnloadedTotal.Inc()
}

// IncActiveInvocations marks an invocation as having acquired a
// concurrency-limiter permit.
func IncActiveInvocations() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeInvocations.Inc()
}

// DecActiveInvocations marks an invocation as having released its permit.
func DecActiveInvocations() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeInvocations.Dec()
}

// SetCircuitBreakerState records a breaker's current state for origin
// (0=closed, 1=half-open, 2=open).
func SetCircuitBreakerState(origin string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(origin).Set(float64(state))
}

// RecordCircuitBreakerTrip records a closed-to-open transition for origin.
func RecordCircuitBreakerTrip(origin string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(origin).Inc()
}
