package source

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/natsclient"
	"github.com/ooici/siam-integration-sub000/pkg/retry"
	"github.com/ooici/siam-integration-sub000/pkg/timestamp"
)

// Config configures the JetStream source
type Config struct {
	// Stream holding sample messages
	Stream string
	// SubjectPrefix is prepended to the channel subject
	SubjectPrefix string
	// EnsureStream creates Stream over SubjectPrefix.> when missing
	EnsureStream bool
	// MaxBatch bounds the samples returned by one Fetch
	MaxBatch int
	// ConnectRetry governs connecting to the source host
	ConnectRetry retry.Config
}

// DefaultConfig returns the source defaults
func DefaultConfig() Config {
	return Config{
		Stream:        "SIAM_DATA",
		SubjectPrefix: "siam.data",
		MaxBatch:      256,
		ConnectRetry:  retry.Quick(),
	}
}

// Subject maps a source channel name to its NATS subject: '/' separators
// become '.' under the prefix.
func (c Config) Subject(channel string) string {
	return c.SubjectPrefix + "." + strings.ReplaceAll(strings.Trim(channel, "/"), "/", ".")
}

// JetStreamConnector reads samples from a JetStream stream through an ordered
// consumer per channel. Every Connect opens its own NATS connection named
// after the client.
type JetStreamConnector struct {
	cfg    Config
	opts   []natsclient.ClientOption
	logger *slog.Logger
}

var _ Connector = (*JetStreamConnector)(nil)

// NewJetStreamConnector creates a connector. opts are applied to every NATS
// client it opens.
func NewJetStreamConnector(cfg Config, logger *slog.Logger, opts ...natsclient.ClientOption) *JetStreamConnector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	return &JetStreamConnector{cfg: cfg, opts: opts, logger: logger.With("component", "source")}
}

// Connect implements Connector
func (c *JetStreamConnector) Connect(ctx context.Context, host, clientName string) (Conn, error) {
	opts := append([]natsclient.ClientOption{
		natsclient.WithName(clientName),
		natsclient.WithLogger(c.logger),
	}, c.opts...)

	client, err := natsclient.NewClient(host, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.ConnectWithRetry(ctx, c.cfg.ConnectRetry); err != nil {
		_ = client.Close(context.Background())
		return nil, errors.WrapTransient(err, "JetStreamConnector", "Connect", "connect source "+host)
	}

	if c.cfg.EnsureStream {
		_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     c.cfg.Stream,
			Subjects: []string{c.cfg.SubjectPrefix + ".>"},
		})
		if err != nil {
			_ = client.Close(context.Background())
			return nil, err
		}
	}

	return &jetStreamConn{
		cfg:    c.cfg,
		client: client,
		logger: c.logger.With("client", clientName),
	}, nil
}

type jetStreamConn struct {
	cfg      Config
	client   *natsclient.Client
	consumer jetstream.Consumer
	channel  string
	logger   *slog.Logger
}

func (c *jetStreamConn) Subscribe(ctx context.Context, channel string) error {
	if c.consumer != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "jetStreamConn", "Subscribe", "subscribe "+channel)
	}

	consumer, err := c.client.OrderedConsumer(ctx, c.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{c.cfg.Subject(channel)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"jetStreamConn", "Subscribe", "subscribe "+channel)
	}
	c.consumer = consumer
	c.channel = channel
	return nil
}

func (c *jetStreamConn) Fetch(ctx context.Context, timeout time.Duration) ([]Sample, error) {
	if c.consumer == nil {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "jetStreamConn", "Fetch", "fetch before subscribe")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil
	}

	batch, err := c.consumer.Fetch(c.cfg.MaxBatch, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if isNoData(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSourceFault, err),
			"jetStreamConn", "Fetch", "fetch "+c.channel)
	}

	var samples []Sample
	for msg := range batch.Messages() {
		sample, err := DecodeSample(c.channel, msg.Data())
		if err != nil {
			c.logger.Warn("Dropping malformed sample", "channel", c.channel, "subject", msg.Subject(), "error", err)
			continue
		}
		if sample.Time.IsZero() {
			if meta, err := msg.Metadata(); err == nil {
				sample.Time = meta.Timestamp
			}
		}
		samples = append(samples, sample)
	}
	if err := batch.Error(); err != nil && !isNoData(err) {
		return samples, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSourceFault, err),
			"jetStreamConn", "Fetch", "fetch "+c.channel)
	}
	return samples, nil
}

func (c *jetStreamConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Close(ctx)
}

func isNoData(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) ||
		stderrors.Is(err, jetstream.ErrNoMessages) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// DecodeSample parses a sample payload: a JSON sample object or a bare
// number. An object must carry a numeric value. The channel defaults to the
// subscribed one. The timestamp may be RFC3339 or a Unix epoch in seconds or
// milliseconds.
func DecodeSample(channel string, data []byte) (Sample, error) {
	sample := Sample{Channel: channel}

	if v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
		sample.Value = v
		return sample, nil
	}

	var wire struct {
		Channel   string   `json:"channel"`
		Value     *float64 `json:"value"`
		Timestamp any      `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	if wire.Value == nil {
		return Sample{}, fmt.Errorf("%w: sample has no value", errors.ErrParsingFailed)
	}
	ts, ok := timestamp.Parse(wire.Timestamp)
	if !ok {
		return Sample{}, fmt.Errorf("%w: unrecognized timestamp %v", errors.ErrParsingFailed, wire.Timestamp)
	}

	sample.Value = *wire.Value
	sample.Time = ts
	if wire.Channel != "" {
		sample.Channel = wire.Channel
	}
	return sample, nil
}
