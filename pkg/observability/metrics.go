package observability

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsClient is the metrics contract used throughout the core.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordDuration(name string, d time.Duration, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
}

// promMetricsClient is a prometheus-backed MetricsClient. Metric vectors
// are created lazily and cached by name, since the orchestrator's metric
// names are not known statically (they're derived from capability and
// service names at runtime).
type promMetricsClient struct {
	namespace string
	registry  *prometheus.Registry

	mu        sync.Mutex
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	durations map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics builds a MetricsClient registered against a fresh
// prometheus.Registry, and returns an http.Handler serving it (mounted at
// /metrics by the reference HTTP adapter).
func NewPrometheusMetrics(namespace string) (MetricsClient, http.Handler) {
	reg := prometheus.NewRegistry()
	c := &promMetricsClient{
		namespace: namespace,
		registry:  reg,
		counters:  map[string]*prometheus.CounterVec{},
		gauges:    map[string]*prometheus.GaugeVec{},
		durations: map[string]*prometheus.HistogramVec{},
	}
	return c, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (c *promMetricsClient) counterVec(name string, labelKeys []string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counters[name]; ok {
		return v
	}
	v := promauto.With(c.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      sanitize(name),
	}, labelKeys)
	c.counters[name] = v
	return v
}

func (c *promMetricsClient) gaugeVec(name string, labelKeys []string) *prometheus.GaugeVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.gauges[name]; ok {
		return v
	}
	v := promauto.With(c.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      sanitize(name),
	}, labelKeys)
	c.gauges[name] = v
	return v
}

func (c *promMetricsClient) durationVec(name string, labelKeys []string) *prometheus.HistogramVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.durations[name]; ok {
		return v
	}
	v := promauto.With(c.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      sanitize(name) + "_seconds",
		Buckets:   prometheus.DefBuckets,
	}, labelKeys)
	c.durations[name] = v
	return v
}

func (c *promMetricsClient) IncrementCounter(name string, value float64) {
	c.counterVec(name, nil).WithLabelValues().Add(value)
}

func (c *promMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)
	c.counterVec(name, keys).WithLabelValues(values...).Add(value)
}

func (c *promMetricsClient) RecordDuration(name string, d time.Duration, labels map[string]string) {
	keys, values := splitLabels(labels)
	c.durationVec(name, keys).WithLabelValues(values...).Observe(d.Seconds())
}

func (c *promMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)
	c.gaugeVec(name, keys).WithLabelValues(values...).Set(value)
}

// splitLabels returns keys sorted so a vector cached on first use always
// sees the same label order on later calls.
func splitLabels(labels map[string]string) (keys, values []string) {
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values = append(values, labels[k])
	}
	return keys, values
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, byte(r))
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// NoopMetrics discards everything; used in tests and as a safe zero value.
type NoopMetrics struct{}

func NewNoopMetrics() MetricsClient { return NoopMetrics{} }

func (NoopMetrics) IncrementCounter(string, float64)                              {}
func (NoopMetrics) IncrementCounterWithLabels(string, float64, map[string]string) {}
func (NoopMetrics) RecordDuration(string, time.Duration, map[string]string)       {}
func (NoopMetrics) RecordGauge(string, float64, map[string]string)                {}
