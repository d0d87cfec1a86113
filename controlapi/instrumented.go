package controlapi

import (
	"context"
	"time"

	"github.com/ooici/siam-integration-sub000/metric"
)

// Instrumented decorates a Controller with per-operation latency and outcome
// metrics and an optional per-call timeout.
type Instrumented struct {
	next    Controller
	metrics *metric.Metrics
	timeout time.Duration
}

var _ Controller = (*Instrumented)(nil)

// NewInstrumented wraps next. A zero timeout leaves the caller's deadline
// untouched.
func NewInstrumented(next Controller, metrics *metric.Metrics, timeout time.Duration) *Instrumented {
	return &Instrumented{next: next, metrics: metrics, timeout: timeout}
}

func observe[T any](ctx context.Context, i *Instrumented, op string,
	call func(context.Context) (T, error)) (T, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := call(ctx)
	i.metrics.RecordControlCall(op, err, time.Since(start))
	return result, err
}

// ListPorts implements Controller
func (i *Instrumented) ListPorts(ctx context.Context) ([]Port, error) {
	return observe(ctx, i, "list_ports", i.next.ListPorts)
}

// GetPortStatus implements Controller
func (i *Instrumented) GetPortStatus(ctx context.Context, port string) (string, error) {
	return observe(ctx, i, "get_port_status", func(ctx context.Context) (string, error) {
		return i.next.GetPortStatus(ctx, port)
	})
}

// GetPortLastSample implements Controller
func (i *Instrumented) GetPortLastSample(ctx context.Context, port string) (map[string]string, error) {
	return observe(ctx, i, "get_port_last_sample", func(ctx context.Context) (map[string]string, error) {
		return i.next.GetPortLastSample(ctx, port)
	})
}

// GetPortChannels implements Controller
func (i *Instrumented) GetPortChannels(ctx context.Context, port string) ([]string, error) {
	return observe(ctx, i, "get_port_channels", func(ctx context.Context) ([]string, error) {
		return i.next.GetPortChannels(ctx, port)
	})
}

// GetPortProperties implements Controller
func (i *Instrumented) GetPortProperties(ctx context.Context, port string) (map[string]string, error) {
	return observe(ctx, i, "get_port_properties", func(ctx context.Context) (map[string]string, error) {
		return i.next.GetPortProperties(ctx, port)
	})
}

// SetPortProperties implements Controller
func (i *Instrumented) SetPortProperties(ctx context.Context, port string,
	props map[string]string) (map[string]string, error) {
	return observe(ctx, i, "set_port_properties", func(ctx context.Context) (map[string]string, error) {
		return i.next.SetPortProperties(ctx, port, props)
	})
}

// GetTurbineName implements Controller
func (i *Instrumented) GetTurbineName(ctx context.Context, port, channel string) (string, error) {
	return observe(ctx, i, "get_turbine_name", func(ctx context.Context) (string, error) {
		return i.next.GetTurbineName(ctx, port, channel)
	})
}
