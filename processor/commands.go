package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ooici/siam-integration-sub000/controlapi"
	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/notifier"
)

// Command names
const (
	CmdEcho             = "echo"
	CmdListPorts        = "list_ports"
	CmdGetStatus        = "get_status"
	CmdGetLastSample    = "get_last_sample"
	CmdGetChannels      = "get_channels"
	CmdFetchParams      = "fetch_params"
	CmdSetParams        = "set_params"
	CmdStartAcquisition = "start_acquisition"
	CmdStopAcquisition  = "stop_acquisition"
)

type echoProcessor struct{}

func (echoProcessor) Name() string { return CmdEcho }
func (echoProcessor) Async() bool  { return false }

func (echoProcessor) Process(_ context.Context, _ string, cmd message.Command) message.Response {
	return message.OKPairs(cmd.Args)
}

func newListPorts(deps Deps) Processor {
	return &controlProcessor{name: CmdListPorts, async: true, deps: deps,
		prepare: func(message.Command) (callFunc, string, error) {
			return func(ctx context.Context) (message.Response, error) {
				ports, err := deps.Controller.ListPorts(ctx)
				if err != nil {
					return message.Response{}, err
				}
				entries := make([]message.PortEntry, 0, len(ports))
				for _, p := range ports {
					entries = append(entries, message.PortEntry{Name: p.Name, DeviceID: p.DeviceID})
				}
				return message.OKPorts(entries), nil
			}, "", nil
		},
	}
}

// newPortQuery builds a processor for a single-port read
func newPortQuery(name string, deps Deps, query func(ctx context.Context, port string) (message.Response, error)) Processor {
	return &controlProcessor{name: name, async: true, deps: deps,
		prepare: func(cmd message.Command) (callFunc, string, error) {
			params, err := requireArgs(cmd, RolePort)
			if err != nil {
				return nil, "", err
			}
			port := params[0]
			return func(ctx context.Context) (message.Response, error) {
				return query(ctx, port)
			}, port, nil
		},
	}
}

func newGetStatus(deps Deps) Processor {
	return newPortQuery(CmdGetStatus, deps, func(ctx context.Context, port string) (message.Response, error) {
		status, err := deps.Controller.GetPortStatus(ctx, port)
		if err != nil {
			return message.Response{}, err
		}
		return message.OKString(status), nil
	})
}

func newGetLastSample(deps Deps) Processor {
	return newPortQuery(CmdGetLastSample, deps, func(ctx context.Context, port string) (message.Response, error) {
		sample, err := deps.Controller.GetPortLastSample(ctx, port)
		if err != nil {
			return message.Response{}, err
		}
		return message.OKMap(sample), nil
	})
}

func newGetChannels(deps Deps) Processor {
	return newPortQuery(CmdGetChannels, deps, func(ctx context.Context, port string) (message.Response, error) {
		channels, err := deps.Controller.GetPortChannels(ctx, port)
		if err != nil {
			return message.Response{}, err
		}
		return message.OKString(channels...), nil
	})
}

// paramArgs splits the pairs after the port into explicit pairs, reporting
// whether the "all parameters" shortcut was requested.
func paramArgs(cmd message.Command) (rest []message.Arg, all bool, err error) {
	rest = cmd.Args[1:]
	if len(rest) == 0 {
		return nil, true, nil
	}
	for _, a := range rest {
		if a.IsAll() {
			if len(rest) > 1 {
				return nil, false, invalidArgument(cmd.Name,
					"%s/%s cannot be combined with explicit parameters", message.AllChannel, message.AllParam)
			}
			return nil, true, nil
		}
	}
	return rest, false, nil
}

func newFetchParams(deps Deps) Processor {
	return &controlProcessor{name: CmdFetchParams, async: true, deps: deps,
		prepare: func(cmd message.Command) (callFunc, string, error) {
			params, err := requireArgs(cmd, RolePort)
			if err != nil {
				return nil, "", err
			}
			port := params[0]
			rest, all, err := paramArgs(cmd)
			if err != nil {
				return nil, "", err
			}
			names := make([]string, 0, len(rest))
			for _, a := range rest {
				if a.Channel != message.AllChannel {
					return nil, "", unexpectedArgument(cmd.Name, message.AllChannel, a.Channel)
				}
				if a.Param == "" {
					return nil, "", invalidArgument(cmd.Name, "empty parameter name")
				}
				names = append(names, a.Param)
			}

			return func(ctx context.Context) (message.Response, error) {
				props, err := deps.Controller.GetPortProperties(ctx, port)
				if err != nil {
					return message.Response{}, err
				}
				if all {
					return message.OKMap(props), nil
				}
				return selectProperties(port, props, names)
			}, port, nil
		},
	}
}

// selectProperties keeps the requested names, failing when the port lacks
// any of them.
func selectProperties(port string, props map[string]string, names []string) (message.Response, error) {
	selected := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		v, ok := props[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		selected[name] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return message.Response{}, &controlapi.PortError{Port: port, Op: "fetch params",
			Err: fmt.Errorf("%w: %s", errors.ErrKeyNotFound, strings.Join(missing, ","))}
	}
	return message.OKMap(selected), nil
}

func newSetParams(deps Deps) Processor {
	return &controlProcessor{name: CmdSetParams, async: true, deps: deps,
		prepare: func(cmd message.Command) (callFunc, string, error) {
			params, err := requireArgs(cmd, RolePort)
			if err != nil {
				return nil, "", err
			}
			port := params[0]
			rest, all, err := paramArgs(cmd)
			if err != nil {
				return nil, "", err
			}
			props := make(map[string]string, len(rest))
			for _, a := range rest {
				if a.Channel == "" {
					return nil, "", invalidArgument(cmd.Name, "empty parameter name")
				}
				if _, dup := props[a.Channel]; dup {
					return nil, "", invalidArgument(cmd.Name, "parameter %q given twice", a.Channel)
				}
				props[a.Channel] = a.Param
			}

			return func(ctx context.Context) (message.Response, error) {
				if all {
					current, err := deps.Controller.GetPortProperties(ctx, port)
					if err != nil {
						return message.Response{}, err
					}
					return message.OKMap(current), nil
				}
				result, err := deps.Controller.SetPortProperties(ctx, port, props)
				if err != nil {
					return message.Response{}, err
				}
				return message.OKMap(result), nil
			}, port, nil
		},
	}
}

// acquisitionProcessor starts or stops streaming of one port channel
type acquisitionProcessor struct {
	name string
	deps Deps
}

func (p *acquisitionProcessor) Name() string { return p.name }
func (p *acquisitionProcessor) Async() bool  { return p.name == CmdStartAcquisition }

func (p *acquisitionProcessor) Process(ctx context.Context, requestID string, cmd message.Command) message.Response {
	params, err := requireArgs(cmd, RolePort, RoleChannel)
	if err != nil {
		return message.Errorf("%s", err.Error())
	}
	port, channel := params[0], params[1]

	if p.name == CmdStartAcquisition && !cmd.IsAsync() {
		return message.Errorf("%s requires a publish stream", p.name)
	}
	if p.deps.Notifiers == nil {
		panic(errors.WrapFatal(errors.ErrMissingConfig, "processor", p.name,
			"control acquisition without notifier registry"))
	}

	turbine, err := p.deps.Controller.GetTurbineName(ctx, port, channel)
	if err != nil {
		return message.Failure(err)
	}

	logger := p.deps.Logger.With("command", p.name, "request_id", requestID, "channel", turbine)
	if p.name == CmdStopAcquisition {
		return p.stop(turbine, logger)
	}

	publishID := PublishID(p.name, port, channel)
	dm := p.deps.Notifiers.CreateIfAbsent(p.deps.SourceHost, p.deps.BaseClientName)
	err = dm.StartNotifier(ctx, turbine, notifier.Binding{
		Port:        port,
		PortChannel: channel,
		RequestID:   requestID,
		PublishID:   publishID,
		Stream:      cmd.PublishStream,
	})
	if err != nil {
		logger.Warn("Starting notifier failed", "error", err)
		return message.Failure(err)
	}
	logger.Info("Acquisition started", "publish_id", publishID, "stream", cmd.PublishStream)
	return message.Submitted()
}

func (p *acquisitionProcessor) stop(turbine string, logger *slog.Logger) message.Response {
	dm, ok := p.deps.Notifiers.Get(p.deps.SourceHost, p.deps.BaseClientName)
	if !ok {
		return message.Errorf("%s %s", errors.ErrNotifierNotFound, turbine)
	}
	if err := dm.StopNotifier(turbine); err != nil {
		return message.Errorf("%s", err.Error())
	}
	logger.Info("Acquisition stop requested")
	return message.OK()
}
