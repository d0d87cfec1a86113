package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/publisher"
	"github.com/ooici/siam-integration-sub000/source"
)

// DefaultFetchTimeout bounds one source fetch and so the stop latency
const DefaultFetchTimeout = time.Second

// Config configures a Registry
type Config struct {
	FetchTimeout time.Duration
	// Recorder, when set, receives the last sample of every fetched batch
	Recorder SampleRecorder
}

type managerKey struct {
	sourceHost     string
	baseClientName string
}

// Registry maps (source host, base client name) to its DataManager
type Registry struct {
	connector    source.Connector
	publisher    publisher.Publisher
	recorder     SampleRecorder
	fetchTimeout time.Duration
	metrics      *metric.Metrics
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	managers map[managerKey]*DataManager
}

// NewRegistry creates a registry whose notifiers read through connector and
// publish through pub.
func NewRegistry(connector source.Connector, pub publisher.Publisher, cfg Config,
	metrics *metric.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		connector:    connector,
		publisher:    pub,
		recorder:     cfg.Recorder,
		fetchTimeout: cfg.FetchTimeout,
		metrics:      metrics,
		logger:       logger.With("component", "notifier"),
		ctx:          ctx,
		cancel:       cancel,
		managers:     make(map[managerKey]*DataManager),
	}
}

// CreateIfAbsent returns the DataManager for the pair, creating it on first
// use. Concurrent callers with the same pair get the same instance.
func (r *Registry) CreateIfAbsent(sourceHost, baseClientName string) *DataManager {
	key := managerKey{sourceHost: sourceHost, baseClientName: baseClientName}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.managers[key]; ok {
		return d
	}
	d := &DataManager{
		sourceHost:     sourceHost,
		baseClientName: baseClientName,
		ctx:            r.ctx,
		connector:      r.connector,
		publisher:      r.publisher,
		recorder:       r.recorder,
		fetchTimeout:   r.fetchTimeout,
		metrics:        r.metrics,
		logger:         r.logger.With("source_host", sourceHost),
		notifiers:      make(map[string]*Notifier),
	}
	r.managers[key] = d
	return d
}

// Get returns the DataManager for the pair if one was created
func (r *Registry) Get(sourceHost, baseClientName string) (*DataManager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.managers[managerKey{sourceHost: sourceHost, baseClientName: baseClientName}]
	return d, ok
}

// Notifiers returns a snapshot of every notifier of every manager
func (r *Registry) Notifiers() []Info {
	r.mu.Lock()
	managers := make([]*DataManager, 0, len(r.managers))
	for _, d := range r.managers {
		managers = append(managers, d)
	}
	r.mu.Unlock()

	var infos []Info
	for _, d := range managers {
		infos = append(infos, d.Notifiers()...)
	}
	return infos
}

// StopAll stops every notifier, refuses new ones and waits up to timeout for
// the loops to exit.
func (r *Registry) StopAll(timeout time.Duration) error {
	r.cancel()

	r.mu.Lock()
	var done []<-chan struct{}
	for _, d := range r.managers {
		done = append(done, d.stopAll()...)
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, ch := range done {
		select {
		case <-ch:
		case <-timer.C:
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Registry", "StopAll", "wait for notifiers")
		}
	}
	r.logger.Info("All notifiers stopped", "count", len(done))
	return nil
}
