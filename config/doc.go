// Package config holds the bridge configuration: its model, defaults,
// validation and loading.
//
// Load layers, lowest first: Default(), the config file (YAML or JSON by
// extension), then environment variables prefixed SIAM_BRIDGE_ with '.'
// replaced by '_':
//
//	SIAM_BRIDGE_NATS_URLS="nats://a:4222,nats://b:4222"
//	SIAM_BRIDGE_SOURCE_FETCH_TIMEOUT=500ms
//	SIAM_BRIDGE_BRIDGE_TRANSPORT=core
//
// Durations use Go syntax ("1s", "250ms").
package config
