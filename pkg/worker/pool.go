// Package worker provides an elastic generic worker pool
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ooici/siam-integration-sub000/metric"
)

// DefaultIdleTimeout is how long an idle worker waits for work before retiring
const DefaultIdleTimeout = 60 * time.Second

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrPoolSaturated means every worker is busy at the configured maximum
	ErrPoolSaturated = errors.New("worker pool saturated")
	ErrNilProcessor  = errors.New("worker pool needs a processor function")
	ErrStopTimeout   = errors.New("timeout waiting for workers to stop")
)

// Pool runs work items of type T on a set of goroutines that grows on demand.
// A submitted item is handed to an idle worker when one is waiting; otherwise
// a new worker is started for it. Workers that stay idle for the idle timeout
// exit.
type Pool[T any] struct {
	processor   func(context.Context, T) error
	idleTimeout time.Duration
	maxWorkers  int

	// unbuffered: a send succeeds only when a worker is idle
	workChan chan T
	ctx      context.Context
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	workers   int64
	busy      int64
	spawned   int64
	retired   int64
	submitted int64
	processed int64
	failed    int64

	metrics         *Metrics
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	workers        prometheus.Gauge
	busy           prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry configures the pool to register metrics with the bridge registry
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithIdleTimeout sets how long an idle worker lives
func WithIdleTimeout[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithMaxWorkers caps the number of concurrent workers. Zero means unbounded.
func WithMaxWorkers[T any](n int) Option[T] {
	return func(p *Pool[T]) {
		if n >= 0 {
			p.maxWorkers = n
		}
	}
}

// NewPool creates an elastic pool running processor for every submitted item
func NewPool[T any](processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		processor:   processor,
		idleTimeout: DefaultIdleTimeout,
		workChan:    make(chan T),
	}
	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}
	return pool
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	workers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_workers",
		Help: "Current number of pool workers",
	})
	busy := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_busy_workers",
		Help: "Workers currently processing an item",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total work items processed",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent processing work items",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"status"})

	serviceName := "worker_pool"
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_workers", workers)
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_busy_workers", busy)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", submitted)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", processed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", failed)
	p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", processingTime)

	p.metrics = &Metrics{
		workers:        workers,
		busy:           busy,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		processingTime: processingTime,
	}
}

// Start enables submission. ctx is handed to every processor call; cancelling
// it makes idle workers exit.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.ctx = ctx
	p.started = true
	return nil
}

// Submit hands work to an idle worker or starts a new one. It never blocks.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
	default:
		if p.maxWorkers > 0 && atomic.LoadInt64(&p.workers) >= int64(p.maxWorkers) {
			return ErrPoolSaturated
		}
		p.spawn(work)
	}

	atomic.AddInt64(&p.submitted, 1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
	}
	return nil
}

// spawn must be called with lifecycleMu held
func (p *Pool[T]) spawn(first T) {
	p.wg.Add(1)
	atomic.AddInt64(&p.spawned, 1)
	n := atomic.AddInt64(&p.workers, 1)
	if p.metrics != nil {
		p.metrics.workers.Set(float64(n))
	}
	go p.worker(first)
}

// Stop refuses further submissions and waits for in-flight items to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:   atomic.LoadInt64(&p.workers),
		Busy:      atomic.LoadInt64(&p.busy),
		Spawned:   atomic.LoadInt64(&p.spawned),
		Retired:   atomic.LoadInt64(&p.retired),
		Submitted: atomic.LoadInt64(&p.submitted),
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers   int64 `json:"workers"`
	Busy      int64 `json:"busy"`
	Spawned   int64 `json:"spawned"`
	Retired   int64 `json:"retired"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

func (p *Pool[T]) worker(first T) {
	defer p.wg.Done()
	defer func() {
		atomic.AddInt64(&p.retired, 1)
		n := atomic.AddInt64(&p.workers, -1)
		if p.metrics != nil {
			p.metrics.workers.Set(float64(n))
		}
	}()

	p.process(first)

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-idle.C:
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			idle.Stop()
			p.process(work)
			idle.Reset(p.idleTimeout)
		}
	}
}

func (p *Pool[T]) process(work T) {
	n := atomic.AddInt64(&p.busy, 1)
	if p.metrics != nil {
		p.metrics.busy.Set(float64(n))
	}

	start := time.Now()
	err := p.processor(p.ctx, work)
	duration := time.Since(start)

	n = atomic.AddInt64(&p.busy, -1)
	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
	}

	if p.metrics != nil {
		p.metrics.busy.Set(float64(n))
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}
