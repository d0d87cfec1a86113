// Package transport is the bus edge of the request server: Receivers yield
// inbound command deliveries and a Replier sends the synchronous response
// back to whoever asked.
package transport

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go"

	"github.com/ooici/siam-integration-sub000/message"
)

// ErrNoReplyDestination is returned by Reply when a delivery names neither a
// reply-to header nor a reply subject.
var ErrNoReplyDestination = stderrors.New("no reply destination")

// Delivery is one inbound message. Data is the encoded command.
type Delivery struct {
	Data    []byte
	Header  nats.Header
	Subject string
	// Reply is the core NATS reply subject, if any
	Reply string

	ack func() error
}

// NewDelivery builds a delivery; ack may be nil when the transport has no
// acknowledgment.
func NewDelivery(subject string, data []byte, header nats.Header, reply string, ack func() error) *Delivery {
	if header == nil {
		header = nats.Header{}
	}
	return &Delivery{Data: data, Header: header, Subject: subject, Reply: reply, ack: ack}
}

// FromMsg wraps a NATS message. Core messages have no ack.
func FromMsg(msg *nats.Msg, ack func() error) *Delivery {
	return NewDelivery(msg.Subject, msg.Data, msg.Header, msg.Reply, ack)
}

// Ack acknowledges the delivery to the transport
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// ReplyTo returns where the response goes: the reply-to header, falling back
// to the NATS reply subject.
func (d *Delivery) ReplyTo() string {
	if to := d.Header.Get(message.HeaderReplyTo); to != "" {
		return to
	}
	return d.Reply
}

// ConvID returns the caller's correlation id
func (d *Delivery) ConvID() string {
	return d.Header.Get(message.HeaderConvID)
}

// ContentType returns the declared payload encoding
func (d *Delivery) ContentType() string {
	return d.Header.Get(message.HeaderContentType)
}

// Receiver yields inbound deliveries one at a time. Receive blocks until a
// delivery arrives, ctx is done or the receiver fails.
type Receiver interface {
	Receive(ctx context.Context) (*Delivery, error)
}

// Replier sends a synchronous response for a delivery
type Replier interface {
	Reply(ctx context.Context, d *Delivery, resp message.Response) error
}
