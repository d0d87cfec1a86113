package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/transport"
)

// ErrReceiverClosed is returned by FakeReceiver.Receive after Close once the
// queued deliveries are drained.
var ErrReceiverClosed = errors.New("fake: receiver closed")

// FakeReceiver feeds queued deliveries to a request server
type FakeReceiver struct {
	deliveries chan *transport.Delivery
	closeOnce  sync.Once
	closed     chan struct{}

	mu    sync.Mutex
	acked int
}

var _ transport.Receiver = (*FakeReceiver)(nil)

// NewFakeReceiver creates a receiver holding up to 64 queued deliveries
func NewFakeReceiver() *FakeReceiver {
	return &FakeReceiver{
		deliveries: make(chan *transport.Delivery, 64),
		closed:     make(chan struct{}),
	}
}

// Send queues an encoded command with the given headers
func (r *FakeReceiver) Send(data []byte, header nats.Header) {
	r.deliveries <- transport.NewDelivery("siam.cmd", data, header, "", func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.acked++
		return nil
	})
}

// SendCommand encodes cmd as JSON and queues it with reply-to and conv-id
func (r *FakeReceiver) SendCommand(cmd message.Command, replyTo, convID string) error {
	data, err := message.JSONCodec{}.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	h := nats.Header{}
	if replyTo != "" {
		h.Set(message.HeaderReplyTo, replyTo)
	}
	if convID != "" {
		h.Set(message.HeaderConvID, convID)
	}
	r.Send(data, h)
	return nil
}

// Close makes Receive fail once the queue is drained
func (r *FakeReceiver) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// Acked returns the number of acknowledged deliveries
func (r *FakeReceiver) Acked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked
}

// Receive implements transport.Receiver
func (r *FakeReceiver) Receive(ctx context.Context) (*transport.Delivery, error) {
	select {
	case d := <-r.deliveries:
		return d, nil
	default:
	}
	select {
	case d := <-r.deliveries:
		return d, nil
	case <-r.closed:
		return nil, ErrReceiverClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply is one recorded reply
type Reply struct {
	To       string
	ConvID   string
	Response message.Response
}

// FakeReplier records replies, refusing deliveries without a destination
// like the NATS replier does.
type FakeReplier struct {
	mu      sync.Mutex
	replies []Reply
	notify  chan struct{}
}

var _ transport.Replier = (*FakeReplier)(nil)

// NewFakeReplier creates an empty replier
func NewFakeReplier() *FakeReplier {
	return &FakeReplier{notify: make(chan struct{})}
}

// Reply implements transport.Replier
func (r *FakeReplier) Reply(_ context.Context, d *transport.Delivery, resp message.Response) error {
	to := d.ReplyTo()
	if to == "" {
		return transport.ErrNoReplyDestination
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, Reply{To: to, ConvID: d.ConvID(), Response: resp})
	if r.notify != nil {
		close(r.notify)
	}
	r.notify = make(chan struct{})
	return nil
}

// Replies returns a copy of the recorded replies
func (r *FakeReplier) Replies() []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reply(nil), r.replies...)
}

// WaitForReplies blocks until n replies were recorded or timeout passes
func (r *FakeReplier) WaitForReplies(n int, timeout time.Duration) []Reply {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		if len(r.replies) >= n {
			out := append([]Reply(nil), r.replies...)
			r.mu.Unlock()
			return out
		}
		if r.notify == nil {
			r.notify = make(chan struct{})
		}
		wait := r.notify
		r.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return r.Replies()
		}
	}
}
