// Package dispatch runs control-API calls off the request goroutine and
// delivers each outcome to exactly one callback.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/pkg/worker"
)

// Config configures a Dispatcher
type Config struct {
	// IdleTimeout is how long an idle worker waits before exiting
	IdleTimeout time.Duration
	// MaxWorkers caps concurrent operations; zero is unbounded
	MaxWorkers int
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{IdleTimeout: worker.DefaultIdleTimeout}
}

type task func(ctx context.Context)

// Dispatcher executes submitted operations on an elastic worker pool
type Dispatcher struct {
	pool   *worker.Pool[task]
	logger *slog.Logger
}

// New creates and starts a dispatcher. ctx is handed to every operation.
func New(ctx context.Context, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []worker.Option[task]{
		worker.WithIdleTimeout[task](cfg.IdleTimeout),
		worker.WithMaxWorkers[task](cfg.MaxWorkers),
	}
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[task](registry, "siam_bridge_dispatch"))
	}

	d := &Dispatcher{
		pool: worker.NewPool(func(ctx context.Context, t task) error {
			t(ctx)
			return nil
		}, opts...),
		logger: logger.With("component", "dispatcher"),
	}
	if err := d.pool.Start(ctx); err != nil {
		return nil, errors.WrapFatal(err, "Dispatcher", "New", "start worker pool")
	}
	return d, nil
}

// Submit runs op on a pool worker and then calls onSuccess with its result or
// onFailure with its error. Exactly one callback runs, once, on the worker
// goroutine. A panic in op is delivered to onFailure as *errors.PanicError; a
// panic in a callback is logged and swallowed. Submit never blocks and returns
// worker.ErrPoolStopped after Stop.
func Submit[T any](d *Dispatcher, op func(context.Context) (T, error), onSuccess func(T), onFailure func(error)) error {
	return d.pool.Submit(func(ctx context.Context) {
		result, err := runOp(ctx, op)
		if err != nil {
			d.callback("failure", func() { onFailure(err) })
			return
		}
		d.callback("success", func() { onSuccess(result) })
	})
}

func runOp[T any](ctx context.Context, op func(context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result, err = zero, errors.FromPanic(r)
		}
	}()
	return op(ctx)
}

func (d *Dispatcher) callback(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			pe := errors.FromPanic(r)
			d.logger.Error("Async callback panicked",
				"callback", kind, "error", pe, "stack", string(pe.Stack))
		}
	}()
	fn()
}

// Stats exposes the underlying pool statistics
func (d *Dispatcher) Stats() worker.PoolStats {
	return d.pool.Stats()
}

// Stop refuses new submissions and waits for in-flight operations
func (d *Dispatcher) Stop(timeout time.Duration) error {
	if err := d.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Dispatcher", "Stop", "drain worker pool")
	}
	return nil
}
