// Package health reports the bridge's health. Components expose a Health()
// Status; a Monitor aggregates the registered checks and Router serves them
// over HTTP together with Prometheus metrics and notifier diagnostics.
//
// The model has three states:
//   - healthy: operating normally
//   - degraded: serving, with reduced function (starting, stopping, NATS
//     reconnecting)
//   - unhealthy: not serving
//
// /healthz answers 503 only when the aggregate is unhealthy, so a degraded
// bridge is not restarted by its supervisor. /readyz answers 200 only when
// every check is healthy.
package health
