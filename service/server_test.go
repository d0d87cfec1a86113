package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooici/siam-integration-sub000/controlapi"
	"github.com/ooici/siam-integration-sub000/dispatch"
	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/processor"
	"github.com/ooici/siam-integration-sub000/service"
	"github.com/ooici/siam-integration-sub000/transport"
	fakes "github.com/ooici/siam-integration-sub000/testutil"
)

const waitTimeout = 2 * time.Second

type harness struct {
	controller *fakes.FakeController
	publisher  *fakes.RecordingPublisher
	receiver   *fakes.FakeReceiver
	replier    *fakes.FakeReplier
	metrics    *metric.Metrics
	server     *service.RequestServer
}

func newHarness(t *testing.T, deps processor.Deps) *harness {
	t.Helper()
	h := &harness{
		controller: fakes.NewFakeController(),
		publisher:  fakes.NewRecordingPublisher(),
		receiver:   fakes.NewFakeReceiver(),
		replier:    fakes.NewFakeReplier(),
		metrics:    metric.NewMetrics(),
	}
	deps.Controller = h.controller
	if deps.Publisher == nil {
		deps.Publisher = h.publisher
	}
	h.server = service.NewRequestServer(h.receiver, h.replier, processor.NewRegistry(deps),
		service.WithMetrics(h.metrics))
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.server.Start(context.Background()))
	t.Cleanup(func() {
		_ = h.server.Stop(time.Second)
	})
}

func getStatus(p string) message.Command {
	return message.Command{Name: "get_status", Args: []message.Arg{{Channel: "port", Param: p}}}
}

func TestServer_SyncReply(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	h.controller.GetPortStatusFunc = func(context.Context, string) (string, error) { return "OK", nil }
	h.start(t)

	require.NoError(t, h.receiver.SendCommand(getStatus("P1"), "caller.inbox", "conv-1"))

	replies := h.replier.WaitForReplies(1, waitTimeout)
	require.Len(t, replies, 1)
	assert.Equal(t, "caller.inbox", replies[0].To)
	assert.Equal(t, "conv-1", replies[0].ConvID)
	assert.Equal(t, message.OKString("OK"), replies[0].Response)
	assert.Equal(t, 1, h.receiver.Acked())

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CommandsReceived.WithLabelValues("get_status")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CommandsProcessed.WithLabelValues("get_status", "OK")))
}

func TestServer_MissingArgument(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	h.start(t)

	require.NoError(t, h.receiver.SendCommand(message.Command{Name: "get_status"}, "caller.inbox", "c"))

	replies := h.replier.WaitForReplies(1, waitTimeout)
	require.Len(t, replies, 1)
	assert.False(t, replies[0].Response.IsOK())
	assert.Contains(t, replies[0].Response.Error, "requires at least an argument")
	assert.Zero(t, h.controller.TotalCalls())
}

func TestServer_UndecodableAndUnknown(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	h.start(t)

	hdr := nats.Header{}
	hdr.Set(message.HeaderReplyTo, "caller.inbox")
	h.receiver.Send([]byte("{not json"), hdr)
	require.NoError(t, h.receiver.SendCommand(message.Command{Name: "bogus"}, "caller.inbox", ""))

	replies := h.replier.WaitForReplies(2, waitTimeout)
	require.Len(t, replies, 2)
	assert.False(t, replies[0].Response.IsOK())
	assert.Equal(t, "unrecognized command: bogus", replies[1].Response.Error)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CommandsProcessed.WithLabelValues("undecodable", "ERROR")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CommandsProcessed.WithLabelValues("unrecognized", "ERROR")))
}

func TestServer_PanicBecomesError(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	calls := 0
	h.controller.GetPortStatusFunc = func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			panic("driver crashed")
		}
		return "online", nil
	}
	h.start(t)

	require.NoError(t, h.receiver.SendCommand(getStatus("p1"), "caller.inbox", "a"))
	require.NoError(t, h.receiver.SendCommand(getStatus("p1"), "caller.inbox", "b"))

	replies := h.replier.WaitForReplies(2, waitTimeout)
	require.Len(t, replies, 2)
	assert.Equal(t, "PanicError: panic: driver crashed", replies[0].Response.Error)
	assert.Equal(t, message.OKString("online"), replies[1].Response, "loop survives the panic")
}

func TestServer_NoReplyDestinationDropped(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	h.controller.GetPortStatusFunc = func(context.Context, string) (string, error) { return "OK", nil }
	h.start(t)

	require.NoError(t, h.receiver.SendCommand(getStatus("p1"), "", ""))
	require.NoError(t, h.receiver.SendCommand(getStatus("p2"), "caller.inbox", ""))

	replies := h.replier.WaitForReplies(1, waitTimeout)
	require.Len(t, replies, 1)
	require.Eventually(t, func() bool {
		_, _, dropped := h.server.Stats()
		return dropped == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RepliesDropped))
	assert.Equal(t, 2, h.receiver.Acked())
}

func TestServer_AsyncListPorts(t *testing.T) {
	d, err := dispatch.New(context.Background(), dispatch.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(time.Second) })

	h := newHarness(t, processor.Deps{Dispatcher: d})
	h.controller.ListPortsFunc = func(context.Context) ([]controlapi.Port, error) {
		return []controlapi.Port{{Name: "p1", DeviceID: "d1"}, {Name: "p2", DeviceID: "d2"}}, nil
	}
	h.start(t)

	require.NoError(t, h.receiver.SendCommand(
		message.Command{Name: "list_ports", PublishStream: "out.stream"}, "caller.inbox", "conv-9"))

	replies := h.replier.WaitForReplies(1, waitTimeout)
	require.Len(t, replies, 1)
	assert.Equal(t, message.Submitted(), replies[0].Response)

	published := h.publisher.WaitForPublished(1, waitTimeout)
	require.Len(t, published, 1)
	assert.Equal(t, "list_ports;", published[0].PublishID)
	assert.Equal(t, "out.stream", published[0].Stream)
	assert.Len(t, published[0].Response.Items, 4)
	assert.NotEmpty(t, published[0].RequestID)
}

func TestServer_ReceiveErrorEndsLoop(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	h.start(t)

	h.receiver.Close()
	err := h.server.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, fakes.ErrReceiverClosed)
	assert.Equal(t, service.StatusStopped, h.server.Status())
	assert.True(t, h.server.Health().IsUnhealthy())
}

func TestServer_StopIsClean(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	h.start(t)
	assert.True(t, h.server.Health().IsHealthy())

	require.NoError(t, h.server.Stop(time.Second))
	assert.NoError(t, h.server.Wait())
	assert.Equal(t, service.StatusStopped, h.server.Status())
	assert.NoError(t, h.server.Stop(time.Second), "second stop is a no-op")
}

func TestServer_StartTwice(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	h.start(t)
	err := h.server.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestServer_WaitBeforeStart(t *testing.T) {
	h := newHarness(t, processor.Deps{})
	assert.ErrorIs(t, h.server.Wait(), errors.ErrNotStarted)
}

func TestHandle_FatalConfigurationPanics(t *testing.T) {
	// no dispatcher: async commands are a configuration fault
	h := newHarness(t, processor.Deps{})

	data, err := message.JSONCodec{}.EncodeCommand(message.Command{Name: "list_ports", PublishStream: "out"})
	require.NoError(t, err)
	d := transport.NewDelivery("siam.cmd", data, nil, "caller.inbox", nil)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.IsFatal(err))
		assert.Empty(t, h.replier.Replies(), "no reply for a fatal fault")
	}()
	h.server.Handle(context.Background(), d)
}

func TestHandle_CBORRequest(t *testing.T) {
	h := newHarness(t, processor.Deps{})

	data, err := message.CBORCodec{}.EncodeCommand(message.Command{Name: "echo",
		Args: []message.Arg{{Channel: "a", Param: "b"}}})
	require.NoError(t, err)
	hdr := nats.Header{}
	hdr.Set(message.HeaderContentType, message.ContentTypeCBOR)
	h.server.Handle(context.Background(), transport.NewDelivery("siam.cmd", data, hdr, "caller.inbox", nil))

	replies := h.replier.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, message.OK(message.Pair("a", "b")), replies[0].Response)
}

func TestHandle_RateLimit(t *testing.T) {
	replier := fakes.NewFakeReplier()
	metrics := metric.NewMetrics()
	server := service.NewRequestServer(fakes.NewFakeReceiver(), replier,
		processor.NewRegistry(processor.Deps{Controller: fakes.NewFakeController()}),
		service.WithMetrics(metrics),
		service.WithRateLimit(0.001, 1))

	data, err := message.JSONCodec{}.EncodeCommand(message.Command{Name: "echo"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		server.Handle(context.Background(), transport.NewDelivery("siam.cmd", data, nil, "caller.inbox", nil))
	}

	replies := replier.Replies()
	require.Len(t, replies, 2)
	assert.True(t, replies[0].Response.IsOK())
	assert.Equal(t, message.ResultError, replies[1].Response.Result)
	assert.Contains(t, replies[1].Response.Error, "rate limit exceeded")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CommandsReceived.WithLabelValues("rate_limited")))
}
