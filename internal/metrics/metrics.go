package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheReadOutcome captures the result of a TTL cache read.
type CacheReadOutcome string

const (
	// CacheReadHit indicates a fresh cache hit.
	CacheReadHit CacheReadOutcome = "hit"
	// CacheReadMiss indicates no usable cached value.
	CacheReadMiss CacheReadOutcome = "miss"
	// CacheReadStale indicates an expired value was served as a fallback.
	CacheReadStale CacheReadOutcome = "stale_hit"
)

// StoreOperation identifies the snapshot store method being instrumented.
type StoreOperation string

const (
	// StoreOperationLookup records snapshot store lookups.
	StoreOperationLookup StoreOperation = "lookup"
	// StoreOperationStore records snapshot store writes.
	StoreOperationStore StoreOperation = "store"
)

// Recorder publishes Prometheus metrics for indicator serving, cache usage
// and the outbound throttle queue. It also satisfies throttle.Observer so a
// queue can report dispatch activity directly.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	indicatorRequests *prometheus.CounterVec
	indicatorLatency  *prometheus.HistogramVec

	cacheReads *prometheus.CounterVec
	storeOps   *prometheus.CounterVec

	throttleDispatches  prometheus.Counter
	throttleWait        prometheus.Histogram
	throttleRetries     *prometheus.CounterVec
	throttleEscalations prometheus.Counter
	throttleInterval    prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	indicatorRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "indicator",
		Name:      "requests_total",
		Help:      "Indicator requests served, by data source and outcome.",
	}, []string{"indicator", "outcome", "source", "stale"})

	indicatorLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marketgate",
		Subsystem: "indicator",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for indicator requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"indicator", "source"})

	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "TTL cache reads by outcome.",
	}, []string{"cache", "result"})

	storeOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Snapshot store operations by result.",
	}, []string{"operation", "result"})

	throttleDispatches := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "throttle",
		Name:      "dispatches_total",
		Help:      "Actions dispatched by the outbound request queue.",
	})

	throttleWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketgate",
		Subsystem: "throttle",
		Name:      "dispatch_wait_seconds",
		Help:      "Time actions spent waiting out the throttle window.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	throttleRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "throttle",
		Name:      "retries_total",
		Help:      "Action retries, split by whether the upstream rate limited us.",
	}, []string{"rate_limited"})

	throttleEscalations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketgate",
		Subsystem: "throttle",
		Name:      "escalations_total",
		Help:      "Times the queue escalated its dispatch interval after repeated rate limiting.",
	})

	throttleInterval := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketgate",
		Subsystem: "throttle",
		Name:      "effective_interval_seconds",
		Help:      "Dispatch interval currently in force for the queue.",
	})

	reg.MustRegister(indicatorRequests, indicatorLatency, cacheReads, storeOps,
		throttleDispatches, throttleWait, throttleRetries, throttleEscalations, throttleInterval)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:            reg,
		handler:             handler,
		indicatorRequests:   indicatorRequests,
		indicatorLatency:    indicatorLatency,
		cacheReads:          cacheReads,
		storeOps:            storeOps,
		throttleDispatches:  throttleDispatches,
		throttleWait:        throttleWait,
		throttleRetries:     throttleRetries,
		throttleEscalations: throttleEscalations,
		throttleInterval:    throttleInterval,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and
// advanced integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveIndicator records the outcome and latency for one served
// indicator request.
func (r *Recorder) ObserveIndicator(indicator, outcome, source string, stale bool, duration time.Duration) {
	if r == nil {
		return
	}
	staleLabel := "false"
	if stale {
		staleLabel = "true"
	}
	indicatorLabel := normalizeLabel(indicator)
	sourceLabel := normalizeLabel(source)
	r.indicatorRequests.WithLabelValues(indicatorLabel, normalizeLabel(outcome), sourceLabel, staleLabel).Inc()
	r.indicatorLatency.WithLabelValues(indicatorLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCacheRead records the result of one TTL cache read.
func (r *Recorder) ObserveCacheRead(cache string, result CacheReadOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheReadMiss)
	}
	r.cacheReads.WithLabelValues(normalizeLabel(cache), resultLabel).Inc()
}

// ObserveStoreOperation records one snapshot store call.
func (r *Recorder) ObserveStoreOperation(operation StoreOperation, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(StoreOperationLookup)
	}
	r.storeOps.WithLabelValues(opLabel, result).Inc()
}

// ObserveDispatch implements throttle.Observer. The effective-interval gauge
// is refreshed on every dispatch so it tracks de-escalation after a cooldown.
func (r *Recorder) ObserveDispatch(waited, interval time.Duration) {
	if r == nil {
		return
	}
	r.throttleDispatches.Inc()
	r.throttleWait.Observe(waited.Seconds())
	r.throttleInterval.Set(interval.Seconds())
}

// ObserveRetry implements throttle.Observer.
func (r *Recorder) ObserveRetry(_ int, rateLimited bool) {
	if r == nil {
		return
	}
	label := "false"
	if rateLimited {
		label = "true"
	}
	r.throttleRetries.WithLabelValues(label).Inc()
}

// ObserveEscalation implements throttle.Observer.
func (r *Recorder) ObserveEscalation(interval time.Duration) {
	if r == nil {
		return
	}
	r.throttleEscalations.Inc()
	r.throttleInterval.Set(interval.Seconds())
}

// SetEffectiveInterval publishes the queue's current dispatch spacing.
func (r *Recorder) SetEffectiveInterval(interval time.Duration) {
	if r == nil {
		return
	}
	r.throttleInterval.Set(interval.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
