package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/ooici/siam-integration-sub000/config"
	"github.com/ooici/siam-integration-sub000/controlapi"
	"github.com/ooici/siam-integration-sub000/dispatch"
	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/health"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/natsclient"
	"github.com/ooici/siam-integration-sub000/notifier"
	"github.com/ooici/siam-integration-sub000/pkg/cache"
	"github.com/ooici/siam-integration-sub000/pkg/retry"
	"github.com/ooici/siam-integration-sub000/pkg/tlsutil"
	"github.com/ooici/siam-integration-sub000/processor"
	"github.com/ooici/siam-integration-sub000/publisher"
	"github.com/ooici/siam-integration-sub000/service"
	"github.com/ooici/siam-integration-sub000/source"
	"github.com/ooici/siam-integration-sub000/transport"
)

// bridge holds the assembled components in start order
type bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metric.MetricsRegistry
	nats       *natsclient.Client
	dispatcher *dispatch.Dispatcher
	notifiers  *notifier.Registry
	processors *processor.Registry
	server     *service.RequestServer
	receiver   transport.Receiver
	monitor    *health.Monitor
	http       *http.Server
	turbines   *cache.TTL[string]
	natsTLS    *tls.Config

	stopOnce sync.Once
}

func runBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting siambridge",
		"nats", cfg.NATS.URL(),
		"transport", cfg.Bridge.Transport,
		"subject", cfg.Bridge.Subject,
		"source", cfg.Source.Host)

	b := &bridge{cfg: cfg, logger: logger, monitor: health.NewMonitor()}
	if err := b.setup(ctx); err != nil {
		b.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := b.server.Start(gctx); err != nil {
		b.shutdown()
		return err
	}
	g.Go(b.server.Wait)
	if b.http != nil {
		g.Go(func() error {
			logger.Info("Health endpoint listening", "addr", b.http.Addr, "tls", b.http.TLSConfig != nil)
			var err error
			if b.http.TLSConfig != nil {
				err = b.http.ListenAndServeTLS("", "")
			} else {
				err = b.http.ListenAndServe()
			}
			if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return errors.WrapFatal(err, "siambridge", "runBridge", "serve health endpoint")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		b.shutdown()
		return nil
	})

	err := g.Wait()
	if err != nil && !stderrors.Is(err, context.Canceled) {
		logger.Error("Bridge stopped with error", "error", err)
		return err
	}
	logger.Info("Bridge stopped")
	return nil
}

func (b *bridge) setup(ctx context.Context) error {
	cfg := b.cfg
	b.metrics = metric.NewMetricsRegistry()
	core := b.metrics.CoreMetrics()

	natsTLS, err := tlsutil.LoadClientConfig(cfg.NATS.TLS)
	if err != nil {
		return err
	}
	b.natsTLS = natsTLS

	client, err := natsclient.NewClient(cfg.NATS.URL(), b.natsOptions(cfg.NATS.Name, true)...)
	if err != nil {
		return err
	}
	b.nats = client
	if err := client.ConnectWithRetry(ctx, retry.DefaultConfig()); err != nil {
		return err
	}
	b.monitor.Register("nats", func() health.Status {
		return natsHealth(client.GetStatus())
	})

	controller, records, err := b.setupControl(ctx)
	if err != nil {
		return err
	}

	b.dispatcher, err = dispatch.New(ctx, dispatch.Config{
		IdleTimeout: cfg.Dispatch.IdleTimeout,
		MaxWorkers:  cfg.Dispatch.MaxWorkers,
	}, b.metrics, b.logger)
	if err != nil {
		return err
	}
	b.monitor.Register("dispatcher", func() health.Status {
		st := b.dispatcher.Stats()
		return health.NewHealthy("dispatcher",
			fmt.Sprintf("%d workers, %d busy", st.Workers, st.Busy)).WithMetrics(&health.Metrics{
			ErrorCount:        st.Failed,
			MessagesProcessed: st.Processed,
		})
	})

	codec, err := message.CodecByName(cfg.Bridge.Codec)
	if err != nil {
		return errors.WrapInvalid(err, "siambridge", "setup", "select codec")
	}
	asyncPub := publisher.NewNATSPublisher(client,
		publisher.WithCodec(codec),
		publisher.WithMetrics(core, "async"),
		publisher.WithLogger(b.logger))
	samplePub := publisher.NewNATSPublisher(client,
		publisher.WithCodec(codec),
		publisher.WithMetrics(core, "sample"),
		publisher.WithLogger(b.logger))

	connector := source.NewJetStreamConnector(source.Config{
		Stream:        cfg.Source.Stream,
		SubjectPrefix: cfg.Source.SubjectPrefix,
		EnsureStream:  cfg.Source.EnsureStream,
		MaxBatch:      cfg.Source.MaxBatch,
		ConnectRetry:  retry.Quick(),
	}, b.logger, b.natsOptions("", false)...)
	b.notifiers = notifier.NewRegistry(connector, samplePub, notifier.Config{
		FetchTimeout: cfg.Source.FetchTimeout,
		Recorder:     records,
	}, core, b.logger)

	b.processors = processor.NewRegistry(processor.Deps{
		Controller:     controller,
		Dispatcher:     b.dispatcher,
		Publisher:      asyncPub,
		Notifiers:      b.notifiers,
		SourceHost:     cfg.Source.Host,
		BaseClientName: cfg.Source.BaseClientName,
		Metrics:        core,
		Logger:         b.logger,
	})

	if err := b.setupReceiver(ctx); err != nil {
		return err
	}
	b.server = service.NewRequestServer(b.receiver, transport.NewNATSReplier(client, codec), b.processors,
		service.WithCodec(codec),
		service.WithMetrics(core),
		service.WithRateLimit(cfg.Bridge.MaxRate, cfg.Bridge.Burst),
		service.WithLogger(b.logger))
	b.monitor.Register("request-server", b.server.Health)

	if cfg.Health.Enabled {
		router := health.NewRouter(health.RouterConfig{
			System:    appName,
			Monitor:   b.monitor,
			Gatherer:  b.metrics.PrometheusRegistry(),
			Notifiers: func() any { return b.notifiers.Notifiers() },
			Commands:  b.processors.Names(),
			Logger:    b.logger,
		})
		serverTLS, err := tlsutil.LoadServerConfig(cfg.Health.TLS)
		if err != nil {
			return err
		}
		b.http = &http.Server{
			Addr:              cfg.Health.Addr,
			Handler:           router.Routes(),
			TLSConfig:         serverTLS,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// natsHealth maps the bus connection status. A reconnecting client is
// degraded since the nats library buffers publishes meanwhile.
func natsHealth(st *natsclient.Status) health.Status {
	metrics := &health.Metrics{
		ErrorCount:   int64(st.FailureCount),
		LastActivity: st.LastFailureTime,
	}
	switch st.Status {
	case natsclient.StatusConnected:
		return health.NewHealthy("nats",
			fmt.Sprintf("Connected, rtt %s, %d reconnects", st.RTT, st.Reconnects)).WithMetrics(metrics)
	case natsclient.StatusReconnecting:
		return health.NewDegraded("nats",
			fmt.Sprintf("Reconnecting after %d reconnects", st.Reconnects)).WithMetrics(metrics)
	default:
		return health.NewUnhealthy("nats", "NATS connection is "+st.Status.String()).WithMetrics(metrics)
	}
}

// natsOptions builds client options from the NATS section. name overrides the
// client name when set; source connections are named per notifier instead.
func (b *bridge) natsOptions(name string, withMetrics bool) []natsclient.ClientOption {
	n := b.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(b.logger),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithTimeout(n.ConnectTimeout),
		natsclient.WithDrainTimeout(n.DrainTimeout),
		natsclient.WithTLSConfig(b.natsTLS),
	}
	if n.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(n.PingInterval))
	}
	if name != "" {
		opts = append(opts, natsclient.WithName(name))
	}
	switch {
	case n.Token != "":
		opts = append(opts, natsclient.WithToken(n.Token))
	case n.Username != "":
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if withMetrics {
		opts = append(opts, natsclient.WithMetrics(b.metrics, true))
	}
	return opts
}

// setupControl returns the controller processors call and the KV controller
// notifiers record last samples into.
func (b *bridge) setupControl(ctx context.Context) (controlapi.Controller, *controlapi.KVController, error) {
	cfg := b.cfg.Control
	bucket, err := b.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "SIAM port records",
		History:     5,
	})
	if err != nil {
		return nil, nil, err
	}
	kv := natsclient.NewKVStore(bucket, b.logger)
	controller := controlapi.NewKVController(kv, b.logger)

	if cfg.SeedFile != "" {
		n, err := controlapi.LoadSeedFile(ctx, controller, cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		b.logger.Info("Seeded port records", "file", cfg.SeedFile, "ports", n)
	}
	var c controlapi.Controller = controlapi.NewInstrumented(controller, b.metrics.CoreMetrics(), cfg.CallTimeout)
	if cfg.TurbineCacheTTL > 0 {
		names, err := cache.NewTTL[string](ctx, cfg.TurbineCacheTTL,
			cache.WithMetrics[string](b.metrics, "turbines"))
		if err != nil {
			return nil, nil, err
		}
		b.turbines = names
		c = controlapi.NewTurbineCache(c, names)
	}
	return c, controller, nil
}

func (b *bridge) setupReceiver(ctx context.Context) error {
	cfg := b.cfg.Bridge
	if cfg.Transport == config.TransportCore {
		r, err := transport.NewSubscriptionReceiver(b.nats, cfg.Subject, cfg.Queue)
		if err != nil {
			return err
		}
		b.receiver = r
		return nil
	}

	r, err := transport.NewJetStreamReceiver(ctx, b.nats, transport.JetStreamConfig{
		Stream:   cfg.Stream,
		Subjects: []string{cfg.Subject},
		Durable:  cfg.Durable,
		AckWait:  cfg.AckWait,
	}, b.logger)
	if err != nil {
		return err
	}
	b.receiver = r
	return nil
}

// shutdown stops intake first so no new notifier or async call starts, then
// drains notifiers and the dispatcher before closing the connection they
// publish on.
func (b *bridge) shutdown() {
	b.stopOnce.Do(b.stop)
}

func (b *bridge) stop() {
	timeout := b.cfg.Bridge.StopTimeout
	if b.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := b.http.Shutdown(ctx); err != nil {
			b.logger.Warn("Health endpoint shutdown", "error", err)
		}
		cancel()
	}
	if b.server != nil {
		if err := b.server.Stop(timeout); err != nil {
			b.logger.Warn("Request server stop", "error", err)
		}
	}
	if c, ok := b.receiver.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			b.logger.Debug("Receiver close", "error", err)
		}
	}
	if b.notifiers != nil {
		if err := b.notifiers.StopAll(timeout); err != nil {
			b.logger.Warn("Notifiers did not stop in time", "error", err)
		}
	}
	if b.dispatcher != nil {
		if err := b.dispatcher.Stop(timeout); err != nil {
			b.logger.Warn("Dispatcher stop", "error", err)
		}
	}
	if b.turbines != nil {
		_ = b.turbines.Close()
	}
	if b.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := b.nats.Close(ctx); err != nil {
			b.logger.Warn("NATS close", "error", err)
		}
		cancel()
	}
}
