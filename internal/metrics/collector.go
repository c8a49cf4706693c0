package metricsserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector is the engine's Prometheus instrumentation: cache
// MISS/HIT/STALE/BYPASS/SKIP outcomes, lock acquisition outcomes,
// background-revalidation duration/outcome, and tag-purge fan-out size.
//
// A nil *Collector is valid and every method is a no-op on it, so callers
// that don't configure metrics (the common case in unit tests) never need
// to branch on whether one was supplied.
type Collector struct {
	cacheResultTotal       *prometheus.CounterVec
	lockOutcomeTotal       *prometheus.CounterVec
	revalidateTotal        *prometheus.CounterVec
	revalidateDuration     *prometheus.HistogramVec
	tagPurgeKeys           prometheus.Histogram
	metadataTruncatedTotal prometheus.Counter

	logger      *zap.Logger
	httpHandler fasthttp.RequestHandler
}

// NewCollector creates a Collector registered against the default
// Prometheus registerer.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry creates a Collector registered against
// registerer, letting callers use an isolated registry in tests rather
// than the global one.
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{logger: logger}

	c.cacheResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "cache_result_total",
			Help:      "Count of ISR response classifications (hit, miss, stale, bypass, skip)",
		},
		[]string{"result"},
	)

	c.lockOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "lock_outcome_total",
			Help:      "Outcome of a lock acquisition attempt (acquired, busy, error)",
		},
		[]string{"outcome"},
	)

	c.revalidateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "revalidate_total",
			Help:      "Count of background revalidation attempts by outcome (success, render_error)",
		},
		[]string{"outcome"},
	)

	c.revalidateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "revalidate_duration_seconds",
			Help:      "Time taken by a background revalidation render, by outcome",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	c.tagPurgeKeys = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "tag_purge_keys",
			Help:      "Number of keys fanned out to on a single revalidateTag call",
			Buckets:   []float64{0, 1, 5, 25, 100, 500, 2500, 10000},
		},
	)

	c.metadataTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "metadata_truncated_total",
			Help:      "Count of cache entries whose tag list was truncated to fit the metadata byte budget",
		},
	)

	registerer.MustRegister(
		c.cacheResultTotal,
		c.lockOutcomeTotal,
		c.revalidateTotal,
		c.revalidateDuration,
		c.tagPurgeKeys,
		c.metadataTruncatedTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("isr metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordCacheResult increments the counter for one served response
// classification. Uncacheable 5xx/204 responses count as "miss" on every
// request since they are never stored.
func (c *Collector) RecordCacheResult(result string) {
	if c == nil {
		return
	}
	c.cacheResultTotal.WithLabelValues(result).Inc()
}

// RecordLockOutcome increments the lock-acquisition outcome counter.
func (c *Collector) RecordLockOutcome(outcome string) {
	if c == nil {
		return
	}
	c.lockOutcomeTotal.WithLabelValues(outcome).Inc()
}

// RecordRevalidation records one background revalidation's outcome and
// render duration.
func (c *Collector) RecordRevalidation(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.revalidateTotal.WithLabelValues(outcome).Inc()
	c.revalidateDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTagPurgeFanout records the number of keys one revalidateTag call
// fanned its bounded-concurrency purge out to.
func (c *Collector) RecordTagPurgeFanout(keyCount int) {
	if c == nil {
		return
	}
	c.tagPurgeKeys.Observe(float64(keyCount))
}

// RecordMetadataTruncated increments the counter for a cache entry whose
// tag list was dropped-from-the-end to fit the metadata byte budget.
func (c *Collector) RecordMetadataTruncated() {
	if c == nil {
		return
	}
	c.metadataTruncatedTotal.Inc()
}

// ServeHTTP implements the MetricsHandler interface StartMetricsServer
// expects, exposing the registered collectors in the Prometheus text format.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	if c == nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	c.httpHandler(ctx)
}
