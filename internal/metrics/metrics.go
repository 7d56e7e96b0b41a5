// Package metrics provides Prometheus metrics for the change request engine
// and its HTTP host.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chronicle/changerequest/internal/diffcache"
)

// Metrics is safe to use through a nil pointer, in which case nothing is
// recorded.
type Metrics struct {
	Registry *prometheus.Registry

	MergesTotal       *prometheus.CounterVec
	MergeDuration     prometheus.Histogram
	ConflictsTotal    prometheus.Counter
	RebasesTotal      prometheus.Counter
	CommitsTotal      *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changerequest_merges_total",
			Help: "Three-way merges computed, by outcome",
		}, []string{"outcome"}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "changerequest_merge_duration_seconds",
			Help:    "Duration of merge outcome computation including document reads",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		ConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "changerequest_conflicts_total",
			Help: "Conflicts reported by merges",
		}),
		RebasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "changerequest_rebases_total",
			Help: "File changes rebased onto a newer published version",
		}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changerequest_commits_total",
			Help: "Commit attempts into the document store, by result",
		}, []string{"result"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changerequest_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "changerequest_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// WatchDiffCache exports the cache counters.
func (m *Metrics) WatchDiffCache(cache *diffcache.Manager) {
	if m == nil || cache == nil {
		return
	}
	factory := promauto.With(m.Registry)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "changerequest_diff_cache_hits_total",
		Help: "Rendered diff cache hits",
	}, func() float64 { return float64(cache.Stats().Hits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "changerequest_diff_cache_misses_total",
		Help: "Rendered diff cache misses",
	}, func() float64 { return float64(cache.Stats().Misses) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "changerequest_diff_cache_entries",
		Help: "Entries currently in the rendered diff cache",
	}, func() float64 { return float64(cache.Len()) })
}

func (m *Metrics) ObserveMerge(clean bool, conflicts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "clean"
	if !clean {
		outcome = "conflicted"
	}
	m.MergesTotal.WithLabelValues(outcome).Inc()
	m.ConflictsTotal.Add(float64(conflicts))
	m.MergeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRebase() {
	if m == nil {
		return
	}
	m.RebasesTotal.Inc()
}

func (m *Metrics) ObserveCommit(result string) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
