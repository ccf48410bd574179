package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inkframe"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "submissions_total",
			Help:      "Generation submissions by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	finalizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "finalizations_total",
			Help:      "Terminal transitions by provider and status.",
		},
		[]string{"provider", "status"},
	)

	providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "provider_duration_seconds",
			Help:      "Duration of adapter Generate calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~8.5m
		},
		[]string{"provider", "result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		},
	)

	janitorSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Janitor sweeps by result.",
		},
		[]string{"result"},
	)

	janitorRepaired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "repaired_total",
			Help:      "Stale requests force-finalized by the janitor.",
		},
	)

	settlementFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ink",
			Name:      "settlement_failures_total",
			Help:      "Finalize calls that exhausted their retry budget, leaving ink pending.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		submissions,
		finalizations,
		providerDuration,
		queueDepth,
		janitorSweeps,
		janitorRepaired,
		settlementFailures,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSubmission counts one Submit outcome ("accepted" or an error kind).
func RecordSubmission(provider, outcome string) {
	if provider == "" {
		provider = "unknown"
	}
	submissions.WithLabelValues(provider, outcome).Inc()
}

// RecordFinalization counts one terminal transition.
func RecordFinalization(provider, status string) {
	finalizations.WithLabelValues(provider, status).Inc()
}

// RecordProviderCall observes an adapter call.
func RecordProviderCall(provider, result string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	providerDuration.WithLabelValues(provider, result).Observe(duration.Seconds())
}

// SetQueueDepth reports the pool backlog.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordJanitorSweep counts a sweep and the requests it repaired.
func RecordJanitorSweep(result string, repaired int) {
	janitorSweeps.WithLabelValues(result).Inc()
	if repaired > 0 {
		janitorRepaired.Add(float64(repaired))
	}
}

// RecordSettlementFailure counts a finalize that gave up.
func RecordSettlementFailure() {
	settlementFailures.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "generations":
		if len(parts) == 2 {
			return "/v1/generations"
		}
		if len(parts) == 3 && parts[2] == "quote" {
			return "/v1/generations/quote"
		}
		return "/v1/generations/:id"
	case parts[0] == "webhooks":
		return "/webhooks/:provider"
	case parts[0] == "v1" && len(parts) >= 2:
		return "/v1/" + parts[1]
	}
	return "/" + parts[0]
}
