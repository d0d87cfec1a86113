// Package worker provides a generic, elastic worker pool.
//
// # Overview
//
// Pool[T] runs a processor function for each submitted item. It holds no
// queue: Submit hands the item to a worker that is idle at that moment, and
// when none is idle it starts a new worker for the item. Workers that receive
// nothing for the idle timeout exit, so the pool shrinks back after a burst.
//
//	pool := worker.NewPool(
//	    func(ctx context.Context, job Job) error {
//	        return handle(ctx, job)
//	    },
//	    worker.WithIdleTimeout[Job](30*time.Second),
//	)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(job); errors.Is(err, worker.ErrPoolStopped) {
//	    // shutting down
//	}
//
// # Submission
//
// Submit never blocks. It fails only when the pool is not started, already
// stopped, or at its WithMaxWorkers cap with every worker busy
// (ErrPoolSaturated). The default is no cap.
//
// # Shutdown
//
// Stop refuses new work, lets busy workers finish their current item and waits
// up to the timeout for them, returning ErrStopTimeout when they don't finish.
// Stop is idempotent.
//
// # Observability
//
// Statistics are always tracked with atomics and returned by Stats. Prometheus
// gauges and counters (workers, busy_workers, submitted, processed, failed,
// processing_duration_seconds) are registered when WithMetricsRegistry is
// given.
package worker
