// Package siam is the root of the SIAM instrument bridge.
//
// The bridge sits between message-bus clients and SIAM instrument ports. It
// receives commands over NATS, answers queries about ports through the
// control API and, on request, streams channel samples from the data source
// to a caller-named publish stream.
//
// # Packages
//
//   - message: commands, responses and their JSON/CBOR codecs
//   - transport: command receivers (JetStream pull consumer or core
//     subscription) and the reply path
//   - service: the request server loop that decodes, dispatches and replies
//   - processor: one processor per command name, plus the registry
//   - controlapi: the control API over a JetStream KV bucket, with metrics and
//     a turbine-name cache
//   - dispatch: the worker pool that runs asynchronous control calls and
//     delivers each outcome exactly once
//   - notifier: per-channel sample streaming loops and their registry
//   - source: the streaming data source read through ordered consumers
//   - publisher: publishes asynchronous results and samples
//   - health: health checks and the HTTP endpoints
//   - config: configuration model, defaults and loading
//
// Supporting packages: errors (classified errors), metric (Prometheus
// registry), natsclient (connection management with a circuit breaker),
// pkg/worker, pkg/retry, pkg/cache, pkg/timestamp and pkg/tlsutil.
//
// The siambridge command in cmd/siambridge assembles these into the running
// service.
package siam
