// Package metric provides the Prometheus metrics registry for the bridge.
//
// A MetricsRegistry owns a private prometheus.Registry holding the core bridge
// metrics (commands, async operations, notifiers, control-API latency, NATS
// connection) plus anything components register through MetricsRegistrar,
// such as the worker pool gauges.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordCommandReceived("get_status")
//
// Components take the registry as an optional dependency. A nil registry
// yields nil core metrics whose Record methods do nothing, so tests can build
// components without wiring Prometheus.
//
// The registry is exposed over HTTP by the health package at /metrics.
package metric
