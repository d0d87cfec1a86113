package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/publisher"
	"github.com/ooici/siam-integration-sub000/source"
)

// DataManager owns the notifiers reading from one source host under one base
// client name, keyed by channel.
type DataManager struct {
	sourceHost     string
	baseClientName string

	ctx          context.Context
	connector    source.Connector
	publisher    publisher.Publisher
	recorder     SampleRecorder
	fetchTimeout time.Duration
	metrics      *metric.Metrics
	logger       *slog.Logger

	mu        sync.Mutex
	notifiers map[string]*Notifier
}

// SourceHost returns the source host this manager connects to
func (d *DataManager) SourceHost() string {
	return d.sourceHost
}

// BaseClientName returns the client name prefix of its connections
func (d *DataManager) BaseClientName() string {
	return d.baseClientName
}

// ClientName is the name of the connection a channel's notifier opens
func (d *DataManager) ClientName(channel string) string {
	return d.baseClientName + "_" + channel
}

// StartNotifier starts streaming channel to b.Stream. If the channel already
// has a running notifier the call does nothing. Otherwise a connection named
// ClientName(channel) is opened and subscribed and a new notifier replaces
// any stopped one. ctx bounds connecting only; the loop runs until stopped.
func (d *DataManager) StartNotifier(ctx context.Context, channel string, b Binding) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n, ok := d.notifiers[channel]; ok && n.State() == StateRunning {
		d.logger.Debug("Notifier already running", "channel", channel, "request_id", b.RequestID)
		return nil
	}
	if d.ctx.Err() != nil {
		return errors.WrapTransient(errors.ErrShuttingDown, "DataManager", "StartNotifier", "start "+channel)
	}

	clientName := d.ClientName(channel)
	conn, err := d.connector.Connect(ctx, d.sourceHost, clientName)
	if err != nil {
		return errors.WrapTransient(err, "DataManager", "StartNotifier", "connect "+clientName)
	}
	if err := conn.Subscribe(ctx, channel); err != nil {
		if cerr := conn.Close(); cerr != nil {
			d.logger.Warn("Closing source connection failed", "channel", channel, "error", cerr)
		}
		return errors.WrapTransient(err, "DataManager", "StartNotifier", "subscribe "+channel)
	}

	n := newNotifier(notifierParams{
		sourceHost:   d.sourceHost,
		clientName:   clientName,
		channel:      channel,
		binding:      b,
		conn:         conn,
		publisher:    d.publisher,
		recorder:     d.recorder,
		fetchTimeout: d.fetchTimeout,
		metrics:      d.metrics,
		logger:       d.logger,
	})
	if err := n.Start(d.ctx); err != nil {
		n.Stop()
		return err
	}
	d.notifiers[channel] = n
	return nil
}

// StopNotifier asks the channel's notifier to stop and returns without
// waiting. Stopping a notifier that is already stopping is a no-op; one that
// has exited, by request or after a source fault, is an error.
func (d *DataManager) StopNotifier(channel string) error {
	d.mu.Lock()
	n, ok := d.notifiers[channel]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w %s", errors.ErrNotifierNotFound, channel)
	}
	if n.State() == StateStopped {
		return fmt.Errorf("%w %s", errors.ErrNotRunning, channel)
	}
	n.Stop()
	return nil
}

// Notifier returns the current notifier of channel
func (d *DataManager) Notifier(channel string) (*Notifier, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.notifiers[channel]
	return n, ok
}

// Notifiers returns a snapshot of every notifier, ordered by channel
func (d *DataManager) Notifiers() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]Info, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		infos = append(infos, n.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Channel < infos[j].Channel })
	return infos
}

// stopAll stops every notifier and returns their done channels
func (d *DataManager) stopAll() []<-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	done := make([]<-chan struct{}, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		n.Stop()
		done = append(done, n.Done())
	}
	return done
}
