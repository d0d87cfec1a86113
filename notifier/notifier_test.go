package notifier_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/notifier"
	"github.com/ooici/siam-integration-sub000/source"
	fakes "github.com/ooici/siam-integration-sub000/testutil"
)

const (
	testHost     = "turbine.local"
	testClient   = "bridge"
	fetchTimeout = 50 * time.Millisecond
)

type fixture struct {
	connector *fakes.FakeConnector
	publisher *fakes.RecordingPublisher
	metrics   *metric.Metrics
	registry  *notifier.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		connector: fakes.NewFakeConnector(),
		publisher: fakes.NewRecordingPublisher(),
		metrics:   metric.NewMetrics(),
	}
	f.registry = notifier.NewRegistry(f.connector, f.publisher,
		notifier.Config{FetchTimeout: fetchTimeout}, f.metrics, nil)
	t.Cleanup(func() {
		_ = f.registry.StopAll(time.Second)
	})
	return f
}

func bind(requestID, publishID string) notifier.Binding {
	return notifier.Binding{RequestID: requestID, PublishID: publishID, Stream: "data.out"}
}

func waitDone(t *testing.T, n *notifier.Notifier, within time.Duration) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(within):
		t.Fatalf("notifier still %s after %v", n.State(), within)
	}
}

func TestRegistry_CreateIfAbsentConcurrent(t *testing.T) {
	f := newFixture(t)

	const callers = 10
	got := make([]*notifier.DataManager, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = f.registry.CreateIfAbsent(testHost, testClient)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, got[0], got[i], "caller %d got a different manager", i)
	}

	d, ok := f.registry.Get(testHost, testClient)
	require.True(t, ok)
	assert.Same(t, got[0], d)

	_, ok = f.registry.Get(testHost, "other")
	assert.False(t, ok)
	assert.NotSame(t, got[0], f.registry.CreateIfAbsent("other.host", testClient))
}

func TestDataManager_PublishesSamplesInOrder(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)
	assert.Equal(t, "bridge_temp", d.ClientName("temp"))

	conn := f.connector.Conn("bridge_temp")
	conn.PushValues("temp", 1.0, 2.0, 3.0)

	err := d.StartNotifier(context.Background(), "temp", bind("req-1", "start_acquisition;port=p1;channel=temp"))
	require.NoError(t, err)

	published := f.publisher.WaitForPublished(3, 2*time.Second)
	require.Len(t, published, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, message.OK(message.Pair("temp", want)), published[i].Response)
		assert.Equal(t, "data.out", published[i].Stream)
		assert.Equal(t, "req-1", published[i].RequestID)
		assert.Equal(t, "start_acquisition;port=p1;channel=temp", published[i].PublishID)
	}
	assert.Equal(t, "temp", conn.Channel())
	assert.Equal(t, []string{testHost}, f.connector.Hosts())

	n, ok := d.Notifier("temp")
	require.True(t, ok)
	assert.Equal(t, notifier.StateRunning, n.State())

	require.NoError(t, d.StopNotifier("temp"))
	waitDone(t, n, 3*fetchTimeout)
	assert.Equal(t, notifier.StateStopped, n.State())
	assert.Equal(t, 1, conn.Closes(), "connection released exactly once")
	assert.Len(t, f.publisher.Published(), 3, "nothing published after stop")

	infos := d.Notifiers()
	require.Len(t, infos, 1)
	assert.Equal(t, int64(3), infos[0].SamplesPublished)
	assert.Equal(t, notifier.StateStopped, infos[0].State)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.SamplesPublished.WithLabelValues("temp")))
}

func TestDataManager_StartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)

	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-1", "p1")))
	first, _ := d.Notifier("temp")
	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-2", "p2")))
	second, _ := d.Notifier("temp")

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.connector.Connects())
	assert.Equal(t, "req-1", second.Info().RequestID)
}

func TestDataManager_StopTwice(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)

	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-1", "p1")))
	n, _ := d.Notifier("temp")

	require.NoError(t, d.StopNotifier("temp"))
	// the loop may already have exited by the second call
	if err := d.StopNotifier("temp"); err != nil {
		assert.ErrorIs(t, err, errors.ErrNotRunning)
	}
	waitDone(t, n, 3*fetchTimeout)

	err := d.StopNotifier("temp")
	assert.ErrorIs(t, err, errors.ErrNotRunning)
	assert.Equal(t, "no running notifier for channel temp", err.Error())
	assert.Equal(t, 1, f.connector.Conn("bridge_temp").Closes())
}

func TestDataManager_StopUnknownChannel(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)

	err := d.StopNotifier("never")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotifierNotFound)
	assert.Equal(t, "no notifier for channel never", err.Error())
}

func TestDataManager_FaultStopsNotifier(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)

	conn := f.connector.Conn("bridge_temp")
	conn.PushValues("temp", 4.5)
	conn.Fail(stderrors.New("source connection reset"))

	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-1", "p1")))
	n, _ := d.Notifier("temp")
	waitDone(t, n, time.Second)

	assert.Equal(t, notifier.StateStopped, n.State())
	assert.Equal(t, 1, conn.Closes())
	require.Len(t, f.publisher.Published(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SourceFaults))

	// nothing is running after the fault, so stopping reports it
	assert.ErrorIs(t, d.StopNotifier("temp"), errors.ErrNotRunning)

	// a stopped notifier is replaced on the next start
	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-2", "p2")))
	replaced, _ := d.Notifier("temp")
	assert.NotSame(t, n, replaced)
	assert.Equal(t, notifier.StateRunning, replaced.State())
	assert.Equal(t, 2, f.connector.Connects())
}

func TestDataManager_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.connector.ConnectErr = stderrors.New("connection refused")
	d := f.registry.CreateIfAbsent(testHost, testClient)

	err := d.StartNotifier(context.Background(), "temp", bind("req-1", "p1"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	_, ok := d.Notifier("temp")
	assert.False(t, ok)
}

func TestDataManager_SubscribeFailureClosesConnection(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)

	conn := f.connector.Conn("bridge_temp")
	conn.SubscribeErr = stderrors.New("no such channel")

	err := d.StartNotifier(context.Background(), "temp", bind("req-1", "p1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe temp")
	assert.Equal(t, 1, conn.Closes())
	assert.ErrorIs(t, d.StopNotifier("temp"), errors.ErrNotifierNotFound)
}

func TestNotifier_PublishErrorsDoNotStopLoop(t *testing.T) {
	f := newFixture(t)
	f.publisher.Err = stderrors.New("nats: connection closed")
	d := f.registry.CreateIfAbsent(testHost, testClient)

	conn := f.connector.Conn("bridge_temp")
	conn.PushValues("temp", 1, 2)

	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-1", "p1")))
	n, _ := d.Notifier("temp")

	require.Eventually(t, func() bool {
		return n.Info().PublishErrors == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, notifier.StateRunning, n.State())
	assert.Zero(t, n.Info().SamplesPublished)
}

func TestRegistry_StopAll(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)
	other := f.registry.CreateIfAbsent("second.host", "other")

	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("r1", "p1")))
	require.NoError(t, d.StartNotifier(context.Background(), "pressure", bind("r2", "p2")))
	require.NoError(t, other.StartNotifier(context.Background(), "temp", bind("r3", "p3")))
	assert.Len(t, f.registry.Notifiers(), 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.NotifiersRunning))

	require.NoError(t, f.registry.StopAll(time.Second))
	for _, info := range f.registry.Notifiers() {
		assert.Equal(t, notifier.StateStopped, info.State, info.Channel)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.NotifiersRunning))

	err := d.StartNotifier(context.Background(), "flow", bind("r4", "p4"))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestDataManager_NotifiersSorted(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)

	for _, ch := range []string{"temp", "flow", "pressure"} {
		require.NoError(t, d.StartNotifier(context.Background(), ch, bind("r", "p")))
	}
	infos := d.Notifiers()
	require.Len(t, infos, 3)
	assert.Equal(t, "flow", infos[0].Channel)
	assert.Equal(t, "pressure", infos[1].Channel)
	assert.Equal(t, "temp", infos[2].Channel)
	assert.Equal(t, "bridge_flow", infos[0].ClientName)
	assert.Equal(t, testHost, infos[0].SourceHost)
}

func TestNotifier_PublishesBatchCutShortByFault(t *testing.T) {
	f := newFixture(t)
	d := f.registry.CreateIfAbsent(testHost, testClient)

	conn := f.connector.Conn("bridge_temp")
	conn.FailAfterValues(stderrors.New("stream deleted"), "temp", 1.5, 2.5)

	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-1", "p1")))
	n, _ := d.Notifier("temp")
	waitDone(t, n, time.Second)

	published := f.publisher.Published()
	require.Len(t, published, 2)
	assert.Equal(t, message.OK(message.Pair("temp", "1.5")), published[0].Response)
	assert.Equal(t, message.OK(message.Pair("temp", "2.5")), published[1].Response)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SourceFaults))
}

func TestNotifier_RecordsLastSampleOfBatch(t *testing.T) {
	connector := fakes.NewFakeConnector()
	pub := fakes.NewRecordingPublisher()
	recorder := fakes.NewFakeController()
	registry := notifier.NewRegistry(connector, pub,
		notifier.Config{FetchTimeout: fetchTimeout, Recorder: recorder}, nil, nil)
	t.Cleanup(func() { _ = registry.StopAll(time.Second) })
	d := registry.CreateIfAbsent(testHost, testClient)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	connector.Conn("bridge_turbine.p1.speed").Push(
		source.Sample{Channel: "turbine.p1.speed", Value: 10, Time: at},
		source.Sample{Channel: "turbine.p1.speed", Value: 12.5, Time: at.Add(time.Second)},
	)

	b := bind("req-1", "start_acquisition;port=p1;channel=speed")
	b.Port, b.PortChannel = "p1", "speed"
	require.NoError(t, d.StartNotifier(context.Background(), "turbine.p1.speed", b))

	pub.WaitForPublished(2, 2*time.Second)
	require.Eventually(t, func() bool {
		return recorder.Calls(fakes.OpRecordSample) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]string{
		"speed":      "12.5",
		"speed.time": "2024-05-01T10:00:01.000Z",
	}, recorder.RecordedSample("p1"))

	n, _ := d.Notifier("turbine.p1.speed")
	assert.Equal(t, "p1", n.Info().Port)
}

func TestNotifier_WithoutPortSkipsRecording(t *testing.T) {
	connector := fakes.NewFakeConnector()
	pub := fakes.NewRecordingPublisher()
	recorder := fakes.NewFakeController()
	registry := notifier.NewRegistry(connector, pub,
		notifier.Config{FetchTimeout: fetchTimeout, Recorder: recorder}, nil, nil)
	t.Cleanup(func() { _ = registry.StopAll(time.Second) })
	d := registry.CreateIfAbsent(testHost, testClient)

	connector.Conn("bridge_temp").PushValues("temp", 1)
	require.NoError(t, d.StartNotifier(context.Background(), "temp", bind("req-1", "p1")))

	require.Len(t, pub.WaitForPublished(1, 2*time.Second), 1)
	require.NoError(t, registry.StopAll(time.Second))
	assert.Zero(t, recorder.Calls(fakes.OpRecordSample))
}
