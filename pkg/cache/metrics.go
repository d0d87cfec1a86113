package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ooici/siam-integration-sub000/metric"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

func newCacheMetrics(registry *metric.MetricsRegistry, component string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"component": component},
		})
	}
	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		evictions: counter("evictions_total", "Total number of expired entries removed"),
	}

	service := "cache_" + component
	if err := registry.RegisterCounter(service, "hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "evictions", m.evictions); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) evict(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(float64(n))
	}
}
