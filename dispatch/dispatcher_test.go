package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/pkg/worker"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := New(context.Background(), DefaultConfig(), metric.NewMetricsRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(5 * time.Second) })
	return d
}

func TestSubmit_ExactlyOneCallbackPerOperation(t *testing.T) {
	d := newDispatcher(t)

	const n = 100
	var successes, failures int64
	calls := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		err := Submit(d,
			func(context.Context) (int, error) {
				if i%2 == 0 {
					return i, nil
				}
				return 0, fmt.Errorf("op %d failed", i)
			},
			func(v int) {
				assert.Equal(t, i, v)
				atomic.AddInt64(&successes, 1)
				atomic.AddInt64(&calls[i], 1)
				wg.Done()
			},
			func(error) {
				atomic.AddInt64(&failures, 1)
				atomic.AddInt64(&calls[i], 1)
				wg.Done()
			},
		)
		require.NoError(t, err)
	}

	wg.Wait()
	require.NoError(t, d.Stop(5*time.Second))

	assert.EqualValues(t, 50, atomic.LoadInt64(&successes))
	assert.EqualValues(t, 50, atomic.LoadInt64(&failures))
	for i, c := range calls {
		assert.EqualValuesf(t, 1, c, "operation %d callbacks", i)
	}
}

func TestSubmit_PanicRoutedToFailure(t *testing.T) {
	d := newDispatcher(t)

	done := make(chan error, 1)
	err := Submit(d,
		func(context.Context) (string, error) { panic("control api exploded") },
		func(string) { t.Error("success callback must not run") },
		func(err error) { done <- err },
	)
	require.NoError(t, err)

	select {
	case err := <-done:
		var pe *bridgeerrors.PanicError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "control api exploded", pe.Value)
		assert.NotEmpty(t, pe.Stack)
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback not invoked")
	}
}

func TestSubmit_CallbackPanicDoesNotTriggerOther(t *testing.T) {
	d := newDispatcher(t)

	var failureCalls int64
	successRan := make(chan struct{})
	err := Submit(d,
		func(context.Context) (int, error) { return 1, nil },
		func(int) {
			close(successRan)
			panic("callback bug")
		},
		func(error) { atomic.AddInt64(&failureCalls, 1) },
	)
	require.NoError(t, err)

	<-successRan
	require.NoError(t, d.Stop(2*time.Second))
	assert.Zero(t, atomic.LoadInt64(&failureCalls))

	// The pool survives the callback panic
	assert.EqualValues(t, 1, d.Stats().Processed)
}

func TestSubmit_NonBlocking(t *testing.T) {
	d := newDispatcher(t)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		start := time.Now()
		err := Submit(d,
			func(context.Context) (struct{}, error) { <-release; return struct{}{}, nil },
			func(struct{}) { wg.Done() },
			func(error) { wg.Done() },
		)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	}
	close(release)
	wg.Wait()
}

func TestSubmit_AfterStop(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Stop(time.Second))

	err := Submit(d,
		func(context.Context) (int, error) { return 0, nil },
		func(int) { t.Error("must not run") },
		func(error) { t.Error("must not run") },
	)
	assert.ErrorIs(t, err, worker.ErrPoolStopped)
}
