package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ooici/siam-integration-sub000/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func process(_ context.Context, w testWork) error {
	time.Sleep(w.delay)
	if w.fail {
		return errors.New("work failed")
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for nil processor")
		}
	}()
	NewPool[testWork](nil)
}

func TestPool_SubmitLifecycle(t *testing.T) {
	pool := NewPool(process)

	if err := pool.Submit(testWork{id: 1}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Start(ctx); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("Expected ErrPoolAlreadyStarted, got %v", err)
	}

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
	if err := pool.Submit(testWork{id: 2}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}

func TestPool_GrowsWhenBusy(t *testing.T) {
	release := make(chan struct{})
	var running int64
	pool := NewPool(func(_ context.Context, _ testWork) error {
		atomic.AddInt64(&running, 1)
		<-release
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := pool.Submit(testWork{id: i}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Errorf("Submit %d blocked", i)
		}
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&running) == 5 })
	if stats := pool.Stats(); stats.Workers != 5 || stats.Busy != 5 {
		t.Errorf("Expected 5 busy workers, got %+v", stats)
	}

	close(release)
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stats := pool.Stats(); stats.Processed != 5 || stats.Workers != 0 {
		t.Errorf("Unexpected stats after stop: %+v", stats)
	}
}

func TestPool_ReusesIdleWorker(t *testing.T) {
	var wg sync.WaitGroup
	pool := NewPool(func(_ context.Context, _ testWork) error {
		wg.Done()
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	wg.Add(1)
	if err := pool.Submit(testWork{id: 1}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	waitFor(t, time.Second, func() bool { return pool.Stats().Busy == 0 })

	// A send succeeds only once the worker is parked in its receive
	for i := 2; i < 10; i++ {
		wg.Add(1)
		time.Sleep(10 * time.Millisecond)
		if err := pool.Submit(testWork{id: i}); err != nil {
			t.Fatal(err)
		}
		wg.Wait()
	}

	if spawned := pool.Stats().Spawned; spawned > 2 {
		t.Errorf("Expected idle worker reuse, spawned %d workers", spawned)
	}
}

func TestPool_IdleWorkersRetire(t *testing.T) {
	pool := NewPool(process, WithIdleTimeout[testWork](20*time.Millisecond))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	for i := 0; i < 3; i++ {
		if err := pool.Submit(testWork{id: i, delay: 10 * time.Millisecond}); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, time.Second, func() bool { return pool.Stats().Workers == 0 })
	if stats := pool.Stats(); stats.Retired != stats.Spawned {
		t.Errorf("Expected every worker retired, got %+v", stats)
	}

	// The pool grows again after shrinking to zero
	if err := pool.Submit(testWork{id: 99}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return pool.Stats().Processed == 4 })
}

func TestPool_MaxWorkers(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(func(_ context.Context, _ testWork) error {
		<-release
		return nil
	}, WithMaxWorkers[testWork](1))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := pool.Submit(testWork{id: 1}); err != nil {
		t.Fatal(err)
	}
	if err := pool.Submit(testWork{id: 2}); !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("Expected ErrPoolSaturated, got %v", err)
	}

	close(release)
	pool.Stop(time.Second)
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pool := NewPool(func(_ context.Context, _ testWork) error {
		<-release
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := pool.Submit(testWork{id: 1}); err != nil {
		t.Fatal(err)
	}

	if err := pool.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("Expected ErrStopTimeout, got %v", err)
	}
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(process, WithMetricsRegistry[testWork](registry, "test_pool"))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if err := pool.Submit(testWork{id: i, fail: i%2 == 0}); err != nil {
			t.Fatal(err)
		}
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(pool.metrics.submitted); got != 4 {
		t.Errorf("Expected 4 submitted, got %v", got)
	}
	if got := testutil.ToFloat64(pool.metrics.failed); got != 2 {
		t.Errorf("Expected 2 failed, got %v", got)
	}
	if got := testutil.ToFloat64(pool.metrics.workers); got != 0 {
		t.Errorf("Expected 0 workers after stop, got %v", got)
	}
}
