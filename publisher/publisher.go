// Package publisher delivers asynchronous results and streamed samples to the
// publish stream named by a command.
package publisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/metric"
)

// Publisher sends a response to a stream tagged with its correlation ids.
// Implementations are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, requestID, publishID string, resp message.Response, stream string) error
}

// MsgPublisher is the part of natsclient.Client a NATSPublisher needs
type MsgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
}

// NATSPublisher publishes encoded responses as NATS messages
type NATSPublisher struct {
	conn    MsgPublisher
	codec   message.Codec
	kind    string
	metrics *metric.Metrics
	logger  *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// Option configures a NATSPublisher
type Option func(*NATSPublisher)

// WithCodec sets the wire codec; JSON by default
func WithCodec(codec message.Codec) Option {
	return func(p *NATSPublisher) {
		if codec != nil {
			p.codec = codec
		}
	}
}

// WithMetrics records every publish under kind ("async" or "sample")
func WithMetrics(metrics *metric.Metrics, kind string) Option {
	return func(p *NATSPublisher) {
		p.metrics = metrics
		p.kind = kind
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *NATSPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewNATSPublisher creates a publisher over conn
func NewNATSPublisher(conn MsgPublisher, opts ...Option) *NATSPublisher {
	p := &NATSPublisher{
		conn:   conn,
		codec:  message.JSONCodec{},
		kind:   "async",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "publisher", "kind", p.kind)
	return p
}

// Publish implements Publisher. The payload is the encoded response; the
// publish-id, request-id and content-type headers carry the envelope.
func (p *NATSPublisher) Publish(ctx context.Context, requestID, publishID string,
	resp message.Response, stream string) (err error) {
	defer func() { p.metrics.RecordPublished(p.kind, err) }()

	if stream == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty publish stream", errors.ErrMissingArgument),
			"NATSPublisher", "Publish", "check stream")
	}

	data, err := p.codec.EncodeResponse(resp)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(stream)
	msg.Data = data
	msg.Header.Set(message.HeaderPublishID, publishID)
	msg.Header.Set(message.HeaderRequestID, requestID)
	msg.Header.Set(message.HeaderContentType, p.codec.ContentType())

	if err := p.conn.PublishMsg(ctx, msg); err != nil {
		return errors.WrapTransient(err, "NATSPublisher", "Publish", "publish to "+stream)
	}

	p.logger.Debug("Published result",
		"request_id", requestID, "publish_id", publishID, "stream", stream, "result", resp.Result)
	return nil
}
