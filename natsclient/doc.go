// Package natsclient wraps nats.go for the bridge.
//
// A Client owns one connection. The bridge opens one Client for the command
// path (receiving commands, replying, publishing async results) and one per
// running notifier so each streaming source connection carries its own client
// name.
//
// # Circuit breaker
//
// Consecutive connection or JetStream failures are counted; after the
// threshold (default 5) the client reports StatusCircuitOpen and fails fast
// with ErrCircuitOpen until the backoff elapses. The backoff doubles for each
// round up to the configured maximum. ConnectWithRetry layers pkg/retry on top
// for startup.
//
// # JetStream
//
// EnsureStream, EnsureConsumer and OrderedConsumer create the command stream,
// its durable pull consumer and the ordered consumers notifiers read from.
// With WithMetrics(registry, true) the client polls stream and consumer state
// into Prometheus gauges.
//
// # KV
//
// KVStore adds CAS retry (UpdateWithRetry, UpdateJSON), JSON helpers and key
// listing over a jetstream.KeyValue bucket. The control API keeps instrument
// records in it.
//
// # Testing
//
// NewTestClient starts nats in a container via testcontainers-go and returns a
// connected client; it is used by the integration-tagged tests.
package natsclient
