// Package source is the streaming data-acquisition side of the bridge: a
// notifier connects to a source host, subscribes to one channel and polls it
// for samples.
package source

import (
	"context"
	"time"
)

// Sample is one data point read from a channel
type Sample struct {
	Channel string    `json:"channel"`
	Value   float64   `json:"value"`
	Time    time.Time `json:"timestamp,omitempty"`
}

// Connector opens connections to a streaming source
type Connector interface {
	// Connect opens a connection to host identified by clientName
	Connect(ctx context.Context, host, clientName string) (Conn, error)
}

// Conn is one open source connection bound to at most one channel
type Conn interface {
	Subscribe(ctx context.Context, channel string) error
	// Fetch waits up to timeout for samples. No data within timeout is an
	// empty result, not an error; an error means the connection is unusable.
	Fetch(ctx context.Context, timeout time.Duration) ([]Sample, error)
	Close() error
}
