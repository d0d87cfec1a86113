// Package controlapi is the bridge's view of the instrument-control API: the
// blocking, failable operations command processors invoke. KVController keeps
// instrument records in a JetStream KV bucket; Instrumented adds metrics and
// call timeouts to any Controller.
package controlapi

import (
	"context"
	"fmt"
)

// Port identifies one instrument port
type Port struct {
	Name     string `json:"name" yaml:"name"`
	DeviceID string `json:"device_id" yaml:"device_id"`
}

// Controller is the control-API surface the bridge consumes. Every method may
// block and may fail; callers wanting the async form submit the call through
// dispatch.Submit.
type Controller interface {
	ListPorts(ctx context.Context) ([]Port, error)
	GetPortStatus(ctx context.Context, port string) (string, error)
	GetPortLastSample(ctx context.Context, port string) (map[string]string, error)
	GetPortChannels(ctx context.Context, port string) ([]string, error)
	GetPortProperties(ctx context.Context, port string) (map[string]string, error)
	// SetPortProperties applies props and returns the resulting value of each
	// property named in props.
	SetPortProperties(ctx context.Context, port string, props map[string]string) (map[string]string, error)
	// GetTurbineName resolves the streaming-source channel name for a port
	// channel.
	GetTurbineName(ctx context.Context, port, channel string) (string, error)
}

// PortError reports a failed operation on a port. Remote callers see it as
// "PortError: <message>".
type PortError struct {
	Port string
	Op   string
	Err  error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *PortError) Unwrap() error {
	return e.Err
}
