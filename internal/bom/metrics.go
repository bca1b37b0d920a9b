package bom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for BOM authoring and costing.
type Metrics struct {
	saves       *prometheus.CounterVec
	cycles      prometheus.Counter
	warnings    *prometheus.CounterVec
	resolutions prometheus.Histogram
	cacheHits   *prometheus.CounterVec
}

// NewMetrics registers the BOM metrics against registerer. A nil registerer uses
// a private registry, which keeps tests independent of global state.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_bom_saves_total",
			Help: "BOM mutations partitioned by operation and result.",
		}, []string{"op", "result"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_bom_cycle_rejections_total",
			Help: "Saves rejected because a component would close a sub-assembly cycle.",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_bom_resolution_warnings_total",
			Help: "Components that contributed zero cost because their reference could not be resolved.",
		}, []string{"kind"}),
		resolutions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "odyssey_bom_resolution_duration_seconds",
			Help:    "Duration of recursive BOM cost resolutions.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_bom_snapshot_cache_total",
			Help: "Snapshot cache lookups partitioned by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.saves, m.cycles, m.warnings, m.resolutions, m.cacheHits)
	return m
}

func (m *Metrics) save(op string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.saves.WithLabelValues(op, result).Inc()
}

func (m *Metrics) cycleRejected() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

func (m *Metrics) resolved(start time.Time, warnings []Warning) {
	if m == nil {
		return
	}
	m.resolutions.Observe(time.Since(start).Seconds())
	for _, w := range warnings {
		m.warnings.WithLabelValues(string(w.Kind)).Inc()
	}
}

func (m *Metrics) cacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(outcome).Inc()
}
