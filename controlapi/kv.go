package controlapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/natsclient"
)

// KeyPrefix prefixes every port record key in the bucket
const KeyPrefix = "port."

// PortRecord is the stored state of one instrument port
type PortRecord struct {
	Name       string            `json:"name" yaml:"name"`
	DeviceID   string            `json:"device_id" yaml:"device_id"`
	Status     string            `json:"status" yaml:"status"`
	Channels   []string          `json:"channels,omitempty" yaml:"channels,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	LastSample map[string]string `json:"last_sample,omitempty" yaml:"last_sample,omitempty"`
	// Turbines maps a port channel to its streaming-source channel. Channels
	// without an entry resolve to "<port>/<channel>".
	Turbines map[string]string `json:"turbines,omitempty" yaml:"turbines,omitempty"`
}

// Validate checks the record can be stored under its name
func (r PortRecord) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: port name is empty", errors.ErrInvalidData),
			"PortRecord", "Validate", "check name")
	}
	if strings.ContainsAny(r.Name, " *>") {
		return errors.WrapInvalid(fmt.Errorf("%w: port name %q has reserved characters", errors.ErrInvalidData, r.Name),
			"PortRecord", "Validate", "check name")
	}
	return nil
}

// KVController serves the control API from port records in a KV bucket
type KVController struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

var _ Controller = (*KVController)(nil)

// NewKVController creates a controller over kv
func NewKVController(kv *natsclient.KVStore, logger *slog.Logger) *KVController {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVController{kv: kv, logger: logger.With("component", "control-api")}
}

func key(port string) string {
	return KeyPrefix + port
}

func (c *KVController) record(ctx context.Context, op, port string) (*PortRecord, error) {
	var rec PortRecord
	if _, err := c.kv.GetJSON(ctx, key(port), &rec); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, &PortError{Port: port, Op: op, Err: errors.ErrKeyNotFound}
		}
		return nil, &PortError{Port: port, Op: op, Err: err}
	}
	return &rec, nil
}

// PutPort stores or replaces a port record
func (c *KVController) PutPort(ctx context.Context, rec PortRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := c.kv.PutJSON(ctx, key(rec.Name), rec); err != nil {
		return errors.WrapTransient(err, "KVController", "PutPort", "store "+rec.Name)
	}
	return nil
}

// RecordSample merges sample into the last sample of a port. Keys absent
// from sample keep their previous value.
func (c *KVController) RecordSample(ctx context.Context, port string, sample map[string]string) error {
	return c.update(ctx, "record sample", port, func(rec *PortRecord) error {
		if rec.LastSample == nil {
			rec.LastSample = make(map[string]string, len(sample))
		}
		for k, v := range sample {
			rec.LastSample[k] = v
		}
		return nil
	})
}

// ListPorts implements Controller. Ports are ordered by name.
func (c *KVController) ListPorts(ctx context.Context) ([]Port, error) {
	keys, err := c.kv.Keys(ctx, KeyPrefix+">")
	if err != nil {
		return nil, errors.WrapTransient(err, "KVController", "ListPorts", "list keys")
	}
	sort.Strings(keys)

	ports := make([]Port, 0, len(keys))
	for _, k := range keys {
		rec, err := c.record(ctx, "list ports", strings.TrimPrefix(k, KeyPrefix))
		if err != nil {
			if stderrors.Is(err, errors.ErrKeyNotFound) {
				// deleted between listing and reading
				continue
			}
			return nil, err
		}
		ports = append(ports, Port{Name: rec.Name, DeviceID: rec.DeviceID})
	}
	return ports, nil
}

// GetPortStatus implements Controller
func (c *KVController) GetPortStatus(ctx context.Context, port string) (string, error) {
	rec, err := c.record(ctx, "get status", port)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetPortLastSample implements Controller
func (c *KVController) GetPortLastSample(ctx context.Context, port string) (map[string]string, error) {
	rec, err := c.record(ctx, "get last sample", port)
	if err != nil {
		return nil, err
	}
	return copyMap(rec.LastSample), nil
}

// GetPortChannels implements Controller
func (c *KVController) GetPortChannels(ctx context.Context, port string) ([]string, error) {
	rec, err := c.record(ctx, "get channels", port)
	if err != nil {
		return nil, err
	}
	return append([]string{}, rec.Channels...), nil
}

// GetPortProperties implements Controller
func (c *KVController) GetPortProperties(ctx context.Context, port string) (map[string]string, error) {
	rec, err := c.record(ctx, "get properties", port)
	if err != nil {
		return nil, err
	}
	return copyMap(rec.Properties), nil
}

// SetPortProperties implements Controller. Every name must already be a
// property of the port; the write is all or nothing.
func (c *KVController) SetPortProperties(ctx context.Context, port string,
	props map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(props))
	err := c.update(ctx, "set properties", port, func(rec *PortRecord) error {
		var unknown []string
		for name := range props {
			if _, ok := rec.Properties[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return fmt.Errorf("%w: unknown properties %s", errors.ErrInvalidData, strings.Join(unknown, ","))
		}
		for name, value := range props {
			rec.Properties[name] = value
			result[name] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTurbineName implements Controller
func (c *KVController) GetTurbineName(ctx context.Context, port, channel string) (string, error) {
	rec, err := c.record(ctx, "get turbine name", port)
	if err != nil {
		return "", err
	}
	if name, ok := rec.Turbines[channel]; ok && name != "" {
		return name, nil
	}
	for _, ch := range rec.Channels {
		if ch == channel {
			return port + "/" + channel, nil
		}
	}
	return "", &PortError{Port: port, Op: "get turbine name",
		Err: fmt.Errorf("%w: channel %q", errors.ErrKeyNotFound, channel)}
}

func (c *KVController) update(ctx context.Context, op, port string, fn func(*PortRecord) error) error {
	var fnErr error
	err := c.kv.UpdateWithRetry(ctx, key(port), func(current []byte) ([]byte, error) {
		if current == nil {
			fnErr = errors.ErrKeyNotFound
			return nil, fnErr
		}
		var rec PortRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			fnErr = err
			return nil, err
		}
		if rec.Properties == nil {
			rec.Properties = map[string]string{}
		}
		if fnErr = fn(&rec); fnErr != nil {
			return nil, fnErr
		}
		return json.Marshal(rec)
	})
	if err != nil {
		if fnErr != nil {
			err = fnErr
		}
		return &PortError{Port: port, Op: op, Err: err}
	}
	c.logger.Debug("Port updated", "port", port, "operation", op)
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
