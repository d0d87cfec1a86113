package transport

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/natsclient"
)

// JetStreamConfig configures a durable command queue
type JetStreamConfig struct {
	Stream   string
	Subjects []string
	Durable  string
	// AckWait bounds redelivery of a command received but never acked
	AckWait time.Duration
	// PollWait bounds one pull so ctx cancellation is observed
	PollWait time.Duration
}

// JetStreamReceiver pulls commands from a durable JetStream consumer. Each
// command is delivered to exactly one bridge instance sharing the durable.
type JetStreamReceiver struct {
	consumer jetstream.Consumer
	pollWait time.Duration
	logger   *slog.Logger
}

// NewJetStreamReceiver ensures the stream and durable consumer exist
func NewJetStreamReceiver(ctx context.Context, client *natsclient.Client, cfg JetStreamConfig,
	logger *slog.Logger) (*JetStreamReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: cfg.Subjects,
		Storage:  jetstream.FileStorage,
	}); err != nil {
		return nil, errors.WrapTransient(err, "JetStreamReceiver", "New", "ensure stream "+cfg.Stream)
	}

	consumer, err := client.EnsureConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:   cfg.Durable,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   cfg.AckWait,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamReceiver", "New", "ensure consumer "+cfg.Durable)
	}

	return &JetStreamReceiver{
		consumer: consumer,
		pollWait: cfg.PollWait,
		logger:   logger.With("component", "jetstream-receiver", "stream", cfg.Stream),
	}, nil
}

// Receive pulls the next command, polling until one arrives or ctx is done
func (r *JetStreamReceiver) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := r.consumer.Next(jetstream.FetchMaxWait(r.pollWait))
		if err != nil {
			if isPollTimeout(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "JetStreamReceiver", "Receive", "pull next command")
		}
		return NewDelivery(msg.Subject(), msg.Data(), msg.Headers(), msg.Reply(), msg.Ack), nil
	}
}

func isPollTimeout(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) ||
		stderrors.Is(err, jetstream.ErrNoMessages) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// SubscriptionReceiver reads commands from a core NATS subscription, in a
// queue group when one is configured.
type SubscriptionReceiver struct {
	sub *nats.Subscription
}

// NewSubscriptionReceiver subscribes to subject
func NewSubscriptionReceiver(client *natsclient.Client, subject, queue string) (*SubscriptionReceiver, error) {
	sub, err := client.SubscribeSync(subject, queue)
	if err != nil {
		return nil, errors.WrapTransient(err, "SubscriptionReceiver", "New", "subscribe "+subject)
	}
	return &SubscriptionReceiver{sub: sub}, nil
}

// Receive waits for the next message
func (r *SubscriptionReceiver) Receive(ctx context.Context) (*Delivery, error) {
	msg, err := r.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WrapTransient(err, "SubscriptionReceiver", "Receive", "next message")
	}
	return FromMsg(msg, nil), nil
}

// Close removes the subscription
func (r *SubscriptionReceiver) Close() error {
	return r.sub.Unsubscribe()
}
