package processor

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ooici/siam-integration-sub000/message"
)

// Registry maps command names to processors. It is read-only after
// NewRegistry and needs no locking.
type Registry struct {
	processors   map[string]Processor
	unrecognized Processor
}

// NewRegistry builds every processor with deps fixed at construction
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "processor")

	r := &Registry{
		processors:   make(map[string]Processor),
		unrecognized: unrecognizedProcessor{},
	}
	for _, p := range []Processor{
		echoProcessor{},
		newListPorts(deps),
		newGetStatus(deps),
		newGetLastSample(deps),
		newGetChannels(deps),
		newFetchParams(deps),
		newSetParams(deps),
		&acquisitionProcessor{name: CmdStartAcquisition, deps: deps},
		&acquisitionProcessor{name: CmdStopAcquisition, deps: deps},
	} {
		r.processors[p.Name()] = p
	}
	return r
}

// Get returns the processor for name. Unknown names get a processor that
// answers ERROR "unrecognized command: <name>".
func (r *Registry) Get(name string) Processor {
	if p, ok := r.processors[name]; ok {
		return p
	}
	return r.unrecognized
}

// Has reports whether name is a registered command
func (r *Registry) Has(name string) bool {
	_, ok := r.processors[name]
	return ok
}

// Names lists the registered commands in order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type unrecognizedProcessor struct{}

func (unrecognizedProcessor) Name() string { return "" }
func (unrecognizedProcessor) Async() bool  { return false }

func (unrecognizedProcessor) Process(_ context.Context, _ string, cmd message.Command) message.Response {
	return message.Errorf("unrecognized command: %s", cmd.Name)
}
