// Package notifier streams samples from a data-acquisition source to a
// publish stream. A Notifier is one polling loop bound to one source channel;
// a DataManager owns the notifiers of one (source host, client name) pair;
// the Registry owns the DataManagers.
package notifier

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/pkg/timestamp"
	"github.com/ooici/siam-integration-sub000/publisher"
	"github.com/ooici/siam-integration-sub000/source"
)

// State is the lifecycle state of a Notifier
type State int32

// Notifier states. A notifier only moves forward and never leaves Stopped.
const (
	StateCreated State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON diagnostics
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SampleRecorder keeps the latest sample of a port. Keys of sample are
// merged into what the port already holds.
type SampleRecorder interface {
	RecordSample(ctx context.Context, port string, sample map[string]string) error
}

// Binding ties a notifier to the command that started it
type Binding struct {
	// Port and PortChannel name the control-API channel the source channel
	// serves. The last sample of each fetched batch is recorded under them
	// when both are set.
	Port        string
	PortChannel string

	RequestID string
	PublishID string
	Stream    string
}

// Info is a diagnostic snapshot of a notifier
type Info struct {
	SourceHost       string    `json:"source_host"`
	ClientName       string    `json:"client_name"`
	Channel          string    `json:"channel"`
	Port             string    `json:"port,omitempty"`
	State            State     `json:"state"`
	RequestID        string    `json:"request_id"`
	PublishID        string    `json:"publish_id"`
	Stream           string    `json:"stream"`
	SamplesPublished int64     `json:"samples_published"`
	PublishErrors    int64     `json:"publish_errors"`
	StartedAt        time.Time `json:"started_at,omitempty"`
}

// Notifier polls one source channel and publishes every sample as
// OK(channel, value) to its stream, in arrival order.
type Notifier struct {
	sourceHost string
	clientName string
	channel    string
	binding    Binding

	conn         source.Conn
	publisher    publisher.Publisher
	recorder     SampleRecorder
	fetchTimeout time.Duration
	metrics      *metric.Metrics
	logger       *slog.Logger

	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time

	samples       atomic.Int64
	publishErrors atomic.Int64
}

type notifierParams struct {
	sourceHost   string
	clientName   string
	channel      string
	binding      Binding
	conn         source.Conn
	publisher    publisher.Publisher
	recorder     SampleRecorder
	fetchTimeout time.Duration
	metrics      *metric.Metrics
	logger       *slog.Logger
}

func newNotifier(p notifierParams) *Notifier {
	n := &Notifier{
		sourceHost:   p.sourceHost,
		clientName:   p.clientName,
		channel:      p.channel,
		binding:      p.binding,
		conn:         p.conn,
		publisher:    p.publisher,
		recorder:     p.recorder,
		fetchTimeout: p.fetchTimeout,
		metrics:      p.metrics,
		logger: p.logger.With("channel", p.channel, "client", p.clientName,
			"request_id", p.binding.RequestID, "publish_id", p.binding.PublishID, "stream", p.binding.Stream),
		done: make(chan struct{}),
	}
	n.state.Store(int32(StateCreated))
	return n
}

// State returns the current lifecycle state
func (n *Notifier) State() State {
	return State(n.state.Load())
}

// Done is closed once the loop has exited and the connection is released
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

// Start launches the polling loop. Only a Created notifier can start.
func (n *Notifier) Start(parent context.Context) error {
	if n.State() != StateCreated {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Notifier", "Start", "start "+n.channel)
	}

	// published to Stop and Info by the state CAS below
	ctx, cancel := context.WithCancel(parent)
	n.cancel = cancel
	n.startedAt = time.Now()
	if !n.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		cancel()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Notifier", "Start", "start "+n.channel)
	}

	n.metrics.RecordNotifierRunning(1)
	n.logger.Info("Notifier started")

	go n.run(ctx)
	return nil
}

// Stop requests the loop to exit. It returns at once; the loop notices within
// one fetch timeout. Stopping a notifier that never started releases its
// connection. Stop is idempotent.
func (n *Notifier) Stop() {
	if n.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested)) {
		n.logger.Info("Notifier stop requested")
		n.cancel()
		return
	}
	if n.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		n.release()
		close(n.done)
	}
}

// Info returns a diagnostic snapshot
func (n *Notifier) Info() Info {
	return Info{
		SourceHost:       n.sourceHost,
		ClientName:       n.clientName,
		Channel:          n.channel,
		Port:             n.binding.Port,
		State:            n.State(),
		RequestID:        n.binding.RequestID,
		PublishID:        n.binding.PublishID,
		Stream:           n.binding.Stream,
		SamplesPublished: n.samples.Load(),
		PublishErrors:    n.publishErrors.Load(),
		StartedAt:        n.startedAt,
	}
}

func (n *Notifier) release() {
	n.closeOnce.Do(func() {
		if err := n.conn.Close(); err != nil {
			n.logger.Warn("Closing source connection failed", "error", err)
		}
	})
}

func (n *Notifier) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			pe := errors.FromPanic(r)
			n.logger.Error("Notifier panicked", "error", pe, "stack", string(pe.Stack))
		}
		n.state.Store(int32(StateStopped))
		n.release()
		n.metrics.RecordNotifierRunning(-1)
		n.logger.Info("Notifier stopped", "samples_published", n.samples.Load())
		close(n.done)
	}()

	for ctx.Err() == nil {
		// a faulted fetch may still carry the samples read before the fault
		samples, err := n.conn.Fetch(ctx, n.fetchTimeout)
		for _, s := range samples {
			if ctx.Err() != nil {
				return
			}
			n.publish(ctx, s)
		}
		if len(samples) > 0 {
			n.record(ctx, samples[len(samples)-1])
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.metrics.RecordSourceFault()
			n.logger.Error("Source fetch failed, notifier exiting", "error", err)
			return
		}
	}
}

func (n *Notifier) publish(ctx context.Context, s source.Sample) {
	resp := message.OKSample(n.channel, s.Value)
	if err := n.publisher.Publish(ctx, n.binding.RequestID, n.binding.PublishID, resp, n.binding.Stream); err != nil {
		n.publishErrors.Add(1)
		n.logger.Warn("Publishing sample failed", "error", err)
		return
	}
	n.samples.Add(1)
	n.metrics.RecordSamplePublished(n.channel)
}

func (n *Notifier) record(ctx context.Context, s source.Sample) {
	if n.recorder == nil || n.binding.Port == "" || n.binding.PortChannel == "" {
		return
	}
	sample := map[string]string{n.binding.PortChannel: strconv.FormatFloat(s.Value, 'g', -1, 64)}
	if ts := timestamp.Format(s.Time); ts != "" {
		sample[n.binding.PortChannel+".time"] = ts
	}
	if err := n.recorder.RecordSample(ctx, n.binding.Port, sample); err != nil && ctx.Err() == nil {
		n.logger.Warn("Recording last sample failed", "port", n.binding.Port, "error", err)
	}
}
