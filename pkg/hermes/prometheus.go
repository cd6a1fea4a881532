package hermes

import (
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Durations in this module range from a few milliseconds (verify of a small
// snapshot) to tens of minutes (copying a large tree).
var durationBuckets = prometheus.ExponentialBuckets(0.01, 4, 10)

// PrometheusMetrics backs Metrics with a private Prometheus registry.
// A vector is created on the first call for its name, using the label keys of that call.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu   sync.Mutex
	vecs map[string]prometheus.Collector
}

func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		vecs:     make(map[string]prometheus.Collector),
	}
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func splitLabels(labels []Label) (keys, values []string) {
	keys = make([]string, 0, len(labels))
	values = make([]string, 0, len(labels))
	for _, l := range labels {
		keys = append(keys, l.Key)
		values = append(values, l.Value)
	}
	return keys, values
}

// vec returns the collector registered under kind/name, building it on first use.
func vec[C prometheus.Collector](m *PrometheusMetrics, kind, name string, keys []string, build func(keys []string) C) C {
	id := kind + "/" + name
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.vecs[id]; ok {
		return c.(C)
	}
	c := build(keys)
	m.registry.MustRegister(c)
	m.vecs[id] = c
	return c
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	cv := vec(m, "counter", name, keys, func(keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
	})
	cv.WithLabelValues(values...).Add(value)
}

func (m *PrometheusMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	hv := vec(m, "histogram", name, keys, func(keys []string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: durationBuckets}, keys)
	})
	hv.WithLabelValues(values...).Observe(value)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	gv := vec(m, "gauge", name, keys, func(keys []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
	})
	gv.WithLabelValues(values...).Set(value)
}

// WriteTextfile dumps the registry for the node exporter textfile collector.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Encode writes the registry in the text exposition format.
func (m *PrometheusMetrics) Encode(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
