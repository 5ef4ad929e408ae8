package prometrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openstall/marketplace-payments/internal/observability"
)

// instrumentSpec declares a metric's identity up front so every instrument
// is registered with a fixed label schema.
type instrumentSpec struct {
	help      string
	labelKeys []string
	buckets   []float64 // histograms only
}

var counterSpecs = map[observability.MetricKey]instrumentSpec{
	observability.MUsecaseRequests: {
		help:      "Use case executions by outcome.",
		labelKeys: []string{"use_case", "outcome"},
	},
	observability.MHTTPRequests: {
		help:      "HTTP requests by route, method and status.",
		labelKeys: []string{"route", "method", "status"},
	},
	observability.MGatewayRequests: {
		help:      "Payment gateway calls by operation and outcome.",
		labelKeys: []string{"operation", "outcome"},
	},
	observability.MReconciliationsRequired: {
		help:      "Sub-orders flagged for manual reconciliation.",
		labelKeys: []string{"use_case"},
	},
	observability.MRetriesScheduled: {
		help:      "Automatic payment retries scheduled.",
		labelKeys: []string{"use_case"},
	},
}

var histogramSpecs = map[observability.MetricKey]instrumentSpec{
	observability.MUsecaseDuration: {
		help:      "Use case latency in seconds.",
		labelKeys: []string{"use_case"},
		buckets:   prometheus.DefBuckets,
	},
	observability.MHTTPRequestDuration: {
		help:      "HTTP request latency in seconds.",
		labelKeys: []string{"route", "method"},
		buckets:   prometheus.DefBuckets,
	},
	observability.MGatewayRequestDuration: {
		help:      "Payment gateway call latency in seconds.",
		labelKeys: []string{"operation"},
		buckets:   prometheus.DefBuckets,
	},
}

type metrics struct {
	namespace  string
	subsystem  string
	registerer prometheus.Registerer

	counters   sync.Map // MetricKey -> *prometheus.CounterVec
	histograms sync.Map // MetricKey -> *prometheus.HistogramVec
}

// New builds an observability.Metrics backed by the given Prometheus
// registerer. Instruments are registered lazily, once per key.
func New(namespace, subsystem string, registerer prometheus.Registerer) observability.Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &metrics{namespace: namespace, subsystem: subsystem, registerer: registerer}
}

func (m *metrics) Counter(key observability.MetricKey) observability.Counter {
	if v, ok := m.counters.Load(key); ok {
		return &counter{v: v.(*prometheus.CounterVec)}
	}
	spec, ok := counterSpecs[key]
	if !ok {
		return observability.NopCounter()
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: string(key), Help: spec.help,
	}, spec.labelKeys)
	m.registerer.MustRegister(cv)
	m.counters.Store(key, cv)
	return &counter{v: cv}
}

func (m *metrics) Histogram(key observability.MetricKey) observability.Histogram {
	if v, ok := m.histograms.Load(key); ok {
		return &histogram{v: v.(*prometheus.HistogramVec)}
	}
	spec, ok := histogramSpecs[key]
	if !ok {
		return observability.NopHistogram()
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: string(key), Help: spec.help, Buckets: spec.buckets,
	}, spec.labelKeys)
	m.registerer.MustRegister(hv)
	m.histograms.Store(key, hv)
	return &histogram{v: hv}
}

type counter struct{ v *prometheus.CounterVec }

func (c *counter) Add(d float64, labels ...observability.Label) {
	c.v.With(labelMap(labels)).Add(d)
}

type histogram struct{ v *prometheus.HistogramVec }

func (h *histogram) Observe(v float64, labels ...observability.Label) {
	h.v.With(labelMap(labels)).Observe(v)
}

func labelMap(ls []observability.Label) prometheus.Labels {
	m := make(prometheus.Labels, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}
