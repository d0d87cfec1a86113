package transport

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooici/siam-integration-sub000/message"
)

type captureConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (c *captureConn) PublishMsg(_ context.Context, msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestDelivery_ReplyTo(t *testing.T) {
	h := nats.Header{}
	h.Set(message.HeaderReplyTo, "caller.inbox")
	d := NewDelivery("siam.cmd", nil, h, "_INBOX.abc", nil)
	assert.Equal(t, "caller.inbox", d.ReplyTo(), "header wins over reply subject")

	d = NewDelivery("siam.cmd", nil, nil, "_INBOX.abc", nil)
	assert.Equal(t, "_INBOX.abc", d.ReplyTo())

	d = NewDelivery("siam.cmd", nil, nil, "", nil)
	assert.Empty(t, d.ReplyTo())
	assert.NoError(t, d.Ack(), "ack without transport ack is a no-op")
}

func TestDelivery_Ack(t *testing.T) {
	acked := 0
	d := NewDelivery("siam.cmd", nil, nil, "", func() error {
		acked++
		return nil
	})
	require.NoError(t, d.Ack())
	assert.Equal(t, 1, acked)
}

func TestNATSReplier_Reply(t *testing.T) {
	conn := &captureConn{}
	r := NewNATSReplier(conn, nil)

	h := nats.Header{}
	h.Set(message.HeaderReplyTo, "caller.inbox")
	h.Set(message.HeaderConvID, "conv-7")
	d := NewDelivery("siam.cmd", nil, h, "", nil)

	require.NoError(t, r.Reply(context.Background(), d, message.OKString("pong")))

	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	assert.Equal(t, "caller.inbox", msg.Subject)
	assert.Equal(t, "conv-7", msg.Header.Get(message.HeaderConvID))
	assert.Equal(t, message.ContentTypeJSON, msg.Header.Get(message.HeaderContentType))

	resp, err := message.JSONCodec{}.DecodeResponse(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, message.OKString("pong"), resp)
}

func TestNATSReplier_UsesRequestCodec(t *testing.T) {
	conn := &captureConn{}
	r := NewNATSReplier(conn, message.JSONCodec{})

	h := nats.Header{}
	h.Set(message.HeaderContentType, message.ContentTypeCBOR)
	d := NewDelivery("siam.cmd", nil, h, "_INBOX.1", nil)

	require.NoError(t, r.Reply(context.Background(), d, message.Errorf("boom")))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, message.ContentTypeCBOR, conn.msgs[0].Header.Get(message.HeaderContentType))
	assert.Empty(t, conn.msgs[0].Header.Get(message.HeaderConvID))

	resp, err := message.CBORCodec{}.DecodeResponse(conn.msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "boom", resp.Error)
}

func TestNATSReplier_NoDestination(t *testing.T) {
	conn := &captureConn{}
	r := NewNATSReplier(conn, nil)

	err := r.Reply(context.Background(), NewDelivery("siam.cmd", nil, nil, "", nil), message.OK())
	assert.ErrorIs(t, err, ErrNoReplyDestination)
	assert.Empty(t, conn.msgs)
}

func TestNATSReplier_PublishError(t *testing.T) {
	conn := &captureConn{err: stderrors.New("nats: connection closed")}
	r := NewNATSReplier(conn, nil)

	err := r.Reply(context.Background(), NewDelivery("siam.cmd", nil, nil, "_INBOX.1", nil), message.OK())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish to _INBOX.1")
}
