package controlapi

import (
	"context"

	"github.com/ooici/siam-integration-sub000/pkg/cache"
)

// TurbineCache decorates a Controller so repeated turbine-name lookups for
// the same port channel are served from memory until the entry expires.
// start_acquisition and stop_acquisition resolve the same names, so a stop
// finds the notifier its start created even if the record changes in between.
type TurbineCache struct {
	Controller
	names *cache.TTL[string]
}

var _ Controller = (*TurbineCache)(nil)

// NewTurbineCache wraps next with names as the backing cache
func NewTurbineCache(next Controller, names *cache.TTL[string]) *TurbineCache {
	return &TurbineCache{Controller: next, names: names}
}

// GetTurbineName implements Controller. Failed lookups are not cached.
func (t *TurbineCache) GetTurbineName(ctx context.Context, port, channel string) (string, error) {
	key := port + "/" + channel
	if name, ok := t.names.Get(key); ok {
		return name, nil
	}
	name, err := t.Controller.GetTurbineName(ctx, port, channel)
	if err != nil {
		return "", err
	}
	_ = t.names.Set(key, name)
	return name, nil
}

// SetPortProperties implements Controller. Cached names for the port are
// dropped since a property update may accompany a remapping.
func (t *TurbineCache) SetPortProperties(ctx context.Context, port string,
	props map[string]string) (map[string]string, error) {
	result, err := t.Controller.SetPortProperties(ctx, port, props)
	if err == nil {
		t.forget(ctx, port)
	}
	return result, err
}

func (t *TurbineCache) forget(ctx context.Context, port string) {
	channels, err := t.Controller.GetPortChannels(ctx, port)
	if err != nil {
		t.names.Clear()
		return
	}
	for _, ch := range channels {
		t.names.Delete(port + "/" + ch)
	}
}
