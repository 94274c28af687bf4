package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nanolink"

// Metrics groups every collector the service exports. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	redirects       *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	cacheLookups    *prometheus.CounterVec

	clicksRecorded prometheus.Counter
	clicksDropped  *prometheus.CounterVec
	clicksLost     prometheus.Counter
	clicksOrphaned prometheus.Counter
	clicksFlushed  prometheus.Counter
	flushDuration  prometheus.Histogram
	flushFailures  prometheus.Counter

	linksCreated     prometheus.Counter
	codeCollisions   prometheus.Counter
	enrichments      *prometheus.CounterVec
	cacheInvalidates *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		redirects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirects_total",
			Help:      "Redirect requests by outcome.",
		}, []string{"result"}),
		resolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving a short code.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_cache_lookups_total",
			Help:      "Resolver cache lookups by result.",
		}, []string{"result"}),
		clicksRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_recorded_total",
			Help:      "Click events accepted into the queue.",
		}),
		clicksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_dropped_total",
			Help:      "Click events refused at enqueue time.",
		}, []string{"reason"}),
		clicksLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_lost_total",
			Help:      "Clicks dropped after exhausting flush retries.",
		}),
		clicksOrphaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_orphaned_total",
			Help:      "Clicks discarded because their link was deleted.",
		}),
		clicksFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_flushed_total",
			Help:      "Clicks durably applied to the link store.",
		}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "click_flush_duration_seconds",
			Help:      "Duration of click accumulator flushes.",
			Buckets:   prometheus.DefBuckets,
		}),
		flushFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "click_flush_failures_total",
			Help:      "Per-link delta writes that failed and were kept for retry.",
		}),
		linksCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_created_total",
			Help:      "Links created.",
		}),
		codeCollisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_collisions_total",
			Help:      "Generated codes rejected by the store as duplicates.",
		}),
		enrichments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichments_total",
			Help:      "Metadata enrichment jobs by result.",
		}, []string{"result"}),
		cacheInvalidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_cache_invalidations_total",
			Help:      "Cache invalidations by result.",
		}, []string{"result"}),
	}
}

// RegisterQueueDepth exports the live click queue length.
func RegisterQueueDepth(reg prometheus.Registerer, depth func() float64) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "click_queue_depth",
		Help:      "Click events waiting for the next flush.",
	}, depth)
}

func (m *Metrics) Redirect(result string) {
	if m == nil {
		return
	}
	m.redirects.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveResolve(seconds float64) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(seconds)
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheInvalidation(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cacheInvalidates.WithLabelValues("error").Inc()
		return
	}
	m.cacheInvalidates.WithLabelValues("ok").Inc()
}

func (m *Metrics) ClickRecorded() {
	if m == nil {
		return
	}
	m.clicksRecorded.Inc()
}

func (m *Metrics) ClickDropped(reason string) {
	if m == nil {
		return
	}
	m.clicksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ClicksLost(n int64) {
	if m == nil {
		return
	}
	m.clicksLost.Add(float64(n))
}

func (m *Metrics) ClicksOrphaned(n int64) {
	if m == nil {
		return
	}
	m.clicksOrphaned.Add(float64(n))
}

func (m *Metrics) ClicksFlushed(n int64) {
	if m == nil {
		return
	}
	m.clicksFlushed.Add(float64(n))
}

func (m *Metrics) ObserveFlush(seconds float64) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(seconds)
}

func (m *Metrics) FlushFailure() {
	if m == nil {
		return
	}
	m.flushFailures.Inc()
}

func (m *Metrics) LinkCreated() {
	if m == nil {
		return
	}
	m.linksCreated.Inc()
}

func (m *Metrics) CodeCollision() {
	if m == nil {
		return
	}
	m.codeCollisions.Inc()
}

func (m *Metrics) Enrichment(result string) {
	if m == nil {
		return
	}
	m.enrichments.WithLabelValues(result).Inc()
}
