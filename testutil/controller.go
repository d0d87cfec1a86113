package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/ooici/siam-integration-sub000/controlapi"
)

// Controller operation names used by FakeController.Calls
const (
	OpListPorts         = "ListPorts"
	OpGetPortStatus     = "GetPortStatus"
	OpGetPortLastSample = "GetPortLastSample"
	OpGetPortChannels   = "GetPortChannels"
	OpGetPortProperties = "GetPortProperties"
	OpSetPortProperties = "SetPortProperties"
	OpGetTurbineName    = "GetTurbineName"
	OpRecordSample      = "RecordSample"
)

// ErrNotScripted is returned by a fake method with no behavior configured
var ErrNotScripted = errors.New("fake: call not scripted")

// FakeController is a scriptable controlapi.Controller that counts calls
type FakeController struct {
	ListPortsFunc         func(ctx context.Context) ([]controlapi.Port, error)
	GetPortStatusFunc     func(ctx context.Context, port string) (string, error)
	GetPortLastSampleFunc func(ctx context.Context, port string) (map[string]string, error)
	GetPortChannelsFunc   func(ctx context.Context, port string) ([]string, error)
	GetPortPropertiesFunc func(ctx context.Context, port string) (map[string]string, error)
	SetPortPropertiesFunc func(ctx context.Context, port string, props map[string]string) (map[string]string, error)
	GetTurbineNameFunc    func(ctx context.Context, port, channel string) (string, error)

	mu      sync.Mutex
	calls   map[string]int
	samples map[string]map[string]string
}

var _ controlapi.Controller = (*FakeController)(nil)

// NewFakeController creates a controller with no behavior scripted
func NewFakeController() *FakeController {
	return &FakeController{calls: make(map[string]int)}
}

func (f *FakeController) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

// Calls returns how often op was invoked
func (f *FakeController) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of invocations across all operations
func (f *FakeController) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// ListPorts implements controlapi.Controller
func (f *FakeController) ListPorts(ctx context.Context) ([]controlapi.Port, error) {
	f.record(OpListPorts)
	if f.ListPortsFunc == nil {
		return nil, ErrNotScripted
	}
	return f.ListPortsFunc(ctx)
}

// GetPortStatus implements controlapi.Controller
func (f *FakeController) GetPortStatus(ctx context.Context, port string) (string, error) {
	f.record(OpGetPortStatus)
	if f.GetPortStatusFunc == nil {
		return "", ErrNotScripted
	}
	return f.GetPortStatusFunc(ctx, port)
}

// GetPortLastSample implements controlapi.Controller
func (f *FakeController) GetPortLastSample(ctx context.Context, port string) (map[string]string, error) {
	f.record(OpGetPortLastSample)
	if f.GetPortLastSampleFunc == nil {
		return nil, ErrNotScripted
	}
	return f.GetPortLastSampleFunc(ctx, port)
}

// GetPortChannels implements controlapi.Controller
func (f *FakeController) GetPortChannels(ctx context.Context, port string) ([]string, error) {
	f.record(OpGetPortChannels)
	if f.GetPortChannelsFunc == nil {
		return nil, ErrNotScripted
	}
	return f.GetPortChannelsFunc(ctx, port)
}

// GetPortProperties implements controlapi.Controller
func (f *FakeController) GetPortProperties(ctx context.Context, port string) (map[string]string, error) {
	f.record(OpGetPortProperties)
	if f.GetPortPropertiesFunc == nil {
		return nil, ErrNotScripted
	}
	return f.GetPortPropertiesFunc(ctx, port)
}

// SetPortProperties implements controlapi.Controller
func (f *FakeController) SetPortProperties(ctx context.Context, port string, props map[string]string) (map[string]string, error) {
	f.record(OpSetPortProperties)
	if f.SetPortPropertiesFunc == nil {
		return nil, ErrNotScripted
	}
	return f.SetPortPropertiesFunc(ctx, port, props)
}

// GetTurbineName implements controlapi.Controller
func (f *FakeController) GetTurbineName(ctx context.Context, port, channel string) (string, error) {
	f.record(OpGetTurbineName)
	if f.GetTurbineNameFunc == nil {
		return "", ErrNotScripted
	}
	return f.GetTurbineNameFunc(ctx, port, channel)
}

// RecordSample merges sample into the port's recorded last sample. It serves
// as the notifier's sample recorder.
func (f *FakeController) RecordSample(_ context.Context, port string, sample map[string]string) error {
	f.record(OpRecordSample)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = make(map[string]map[string]string)
	}
	if f.samples[port] == nil {
		f.samples[port] = make(map[string]string)
	}
	for k, v := range sample {
		f.samples[port][k] = v
	}
	return nil
}

// RecordedSample returns a copy of what RecordSample stored for port
func (f *FakeController) RecordedSample(port string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.samples[port]))
	for k, v := range f.samples[port] {
		out[k] = v
	}
	return out
}
