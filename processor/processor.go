package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ooici/siam-integration-sub000/controlapi"
	"github.com/ooici/siam-integration-sub000/dispatch"
	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/notifier"
	"github.com/ooici/siam-integration-sub000/publisher"
)

// Processor handles one command kind
type Processor interface {
	// Name is the command name the processor serves
	Name() string
	// Async reports whether a publish stream moves the result off the reply
	Async() bool
	Process(ctx context.Context, requestID string, cmd message.Command) message.Response
}

// Deps are the collaborators shared by every processor. Dispatcher and
// Publisher are needed only by commands sent with a publish stream, Notifiers
// only by the acquisition commands.
type Deps struct {
	Controller controlapi.Controller
	Dispatcher *dispatch.Dispatcher
	Publisher  publisher.Publisher
	Notifiers  *notifier.Registry

	// SourceHost and BaseClientName select the DataManager acquisition
	// commands use.
	SourceHost     string
	BaseClientName string

	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Argument roles checked positionally
const (
	RolePort    = "port"
	RoleChannel = "channel"
)

// argError is a validation failure. Its message is the ERROR description.
type argError struct {
	kind error
	msg  string
}

func (e *argError) Error() string { return e.msg }
func (e *argError) Unwrap() error { return e.kind }

func missingArgument(command, role string) error {
	return &argError{
		kind: errors.ErrMissingArgument,
		msg:  fmt.Sprintf("%s requires at least an argument: %s", command, role),
	}
}

func unexpectedArgument(command, role, got string) error {
	return &argError{
		kind: errors.ErrUnexpectedArgument,
		msg:  fmt.Sprintf("%s: expected argument %q but got %q", command, role, got),
	}
}

func invalidArgument(command, format string, args ...any) error {
	return &argError{
		kind: errors.ErrInvalidData,
		msg:  command + ": " + fmt.Sprintf(format, args...),
	}
}

// requireArgs checks the leading positional arguments carry roles in order
// and returns their parameters.
func requireArgs(cmd message.Command, roles ...string) ([]string, error) {
	params := make([]string, len(roles))
	for i, role := range roles {
		arg, ok := cmd.Arg(i)
		if !ok {
			return nil, missingArgument(cmd.Name, role)
		}
		if arg.Channel != role {
			return nil, unexpectedArgument(cmd.Name, role, arg.Channel)
		}
		params[i] = arg.Param
	}
	return params, nil
}

// PublishID builds the correlation id of an async result
func PublishID(command, port, channel string) string {
	var b strings.Builder
	b.WriteString(command)
	b.WriteByte(';')
	if port != "" {
		b.WriteString("port=")
		b.WriteString(port)
	}
	if channel != "" {
		b.WriteString(";channel=")
		b.WriteString(channel)
	}
	return b.String()
}

// callFunc performs the control-API work of a command and builds its OK
// response.
type callFunc func(ctx context.Context) (message.Response, error)

// controlProcessor is the shared shape of commands that map onto one
// control-API call.
type controlProcessor struct {
	name  string
	async bool
	deps  Deps
	// prepare validates cmd and returns the call plus the port it targets
	prepare func(cmd message.Command) (callFunc, string, error)
}

func (p *controlProcessor) Name() string { return p.name }
func (p *controlProcessor) Async() bool  { return p.async }

func (p *controlProcessor) Process(ctx context.Context, requestID string, cmd message.Command) message.Response {
	call, port, err := p.prepare(cmd)
	if err != nil {
		return message.Errorf("%s", err.Error())
	}

	if !p.async || !cmd.IsAsync() {
		resp, err := call(ctx)
		if err != nil {
			p.deps.Logger.Debug("Control call failed",
				"command", p.name, "request_id", requestID, "error", err)
			return message.Failure(err)
		}
		return resp
	}
	return submit(ctx, p.deps, p.name, requestID, PublishID(p.name, port, ""), cmd.PublishStream, call)
}

// submit hands call to the dispatcher and publishes its outcome to stream
func submit(ctx context.Context, deps Deps, command, requestID, publishID, stream string, call callFunc) message.Response {
	if deps.Dispatcher == nil || deps.Publisher == nil {
		panic(errors.WrapFatal(errors.ErrMissingConfig, "processor", command,
			"submit async command without dispatcher and publisher"))
	}

	logger := deps.Logger.With("command", command, "request_id", requestID,
		"publish_id", publishID, "stream", stream)
	pubCtx := context.WithoutCancel(ctx)
	publish := func(resp message.Response) {
		deps.Metrics.RecordAsyncCompleted(command, string(resp.Result))
		if err := deps.Publisher.Publish(pubCtx, requestID, publishID, resp, stream); err != nil {
			logger.Warn("Publishing async result failed", "error", err)
		}
	}

	err := dispatch.Submit(deps.Dispatcher, call, publish, func(err error) {
		logger.Debug("Async control call failed", "error", err)
		publish(message.Failure(err))
	})
	if err != nil {
		logger.Warn("Async submission refused", "error", err)
		return message.Failure(err)
	}
	deps.Metrics.RecordAsyncSubmitted(command)
	logger.Debug("Async command submitted")
	return message.Submitted()
}
