package transport

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/publisher"
)

// NATSReplier publishes replies encoded with the codec the request used
type NATSReplier struct {
	conn  publisher.MsgPublisher
	codec message.Codec
}

// NewNATSReplier creates a replier; fallback encodes replies to requests that
// declare no content type.
func NewNATSReplier(conn publisher.MsgPublisher, fallback message.Codec) *NATSReplier {
	if fallback == nil {
		fallback = message.JSONCodec{}
	}
	return &NATSReplier{conn: conn, codec: fallback}
}

// Reply sends resp to the delivery's reply destination, echoing its conv-id
func (r *NATSReplier) Reply(ctx context.Context, d *Delivery, resp message.Response) error {
	to := d.ReplyTo()
	if to == "" {
		return ErrNoReplyDestination
	}

	codec := message.CodecFor(d.ContentType(), r.codec)
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		return errors.WrapInvalid(err, "NATSReplier", "Reply", "encode response")
	}

	msg := nats.NewMsg(to)
	msg.Data = data
	msg.Header.Set(message.HeaderContentType, codec.ContentType())
	if conv := d.ConvID(); conv != "" {
		msg.Header.Set(message.HeaderConvID, conv)
	}
	if err := r.conn.PublishMsg(ctx, msg); err != nil {
		return errors.WrapTransient(err, "NATSReplier", "Reply", "publish to "+to)
	}
	return nil
}
