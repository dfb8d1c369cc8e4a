// Package metrics carries structured metric events from the pipeline to
// Prometheus and CloudWatch.
//
// Prometheus series:
//
//	cryptometrics_pipeline_cycles_total{state}
//	cryptometrics_records_normalized_total
//	cryptometrics_malformed_keys_total
//	cryptometrics_rows_appended_total
//	cryptometrics_duplicate_appends_total
//	cryptometrics_rows_trimmed_total
//	cryptometrics_snapshots_collected_total
//	cryptometrics_cycle_duration_seconds
//	cryptometrics_asset_rank{asset}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cryptometrics"

// Prometheus mirrors emitted metrics into a private registry.
type Prometheus struct {
	registry  *prometheus.Registry
	cycles    *prometheus.CounterVec
	counters  map[string]prometheus.Counter
	duration  prometheus.Histogram
	assetRank *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCycles + "_total",
			Help:      "Pipeline cycles by final state",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricCycleDuration,
			Help:      "Wall time of a pipeline cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		assetRank: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricAssetRank,
			Help:      "Latest relative volatility rank per asset",
		}, []string{"asset"}),
		counters: make(map[string]prometheus.Counter),
	}

	help := map[string]string{
		MetricRecords:          "Records produced by normalization",
		MetricMalformedKeys:    "Snapshot keys that failed to parse",
		MetricRowsAppended:     "Rows committed to the metrics table",
		MetricDuplicateAppends: "Appends where every row already existed",
		MetricRowsTrimmed:      "Rows removed by retention trims",
		MetricSnapshots:        "Raw snapshots written by the collector",
	}
	for name, h := range help {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name + "_total", Help: h})
		p.counters[name] = c
		p.registry.MustRegister(c)
	}

	p.registry.MustRegister(
		p.cycles,
		p.duration,
		p.assetRank,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handle applies one metric event; register it with RegisterMetricHandler.
func (p *Prometheus) Handle(m Metric) {
	switch m.Name {
	case MetricCycles:
		p.cycles.WithLabelValues(m.Label("state")).Add(m.Value)
	case MetricCycleDuration:
		p.duration.Observe(m.Value)
	case MetricAssetRank:
		p.assetRank.WithLabelValues(m.Label("asset")).Set(m.Value)
	default:
		if c, ok := p.counters[m.Name]; ok && m.Value >= 0 {
			c.Add(m.Value)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for registering extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }
