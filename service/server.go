package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/health"
	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/metric"
	"github.com/ooici/siam-integration-sub000/processor"
	"github.com/ooici/siam-integration-sub000/transport"
)

// Status is the lifecycle state of the server
type Status int32

// Server states
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Metric labels for commands that never reach a processor
const (
	labelUndecodable  = "undecodable"
	labelUnrecognized = "unrecognized"
	labelRateLimited  = "rate_limited"
)

// Option configures a RequestServer
type Option func(*RequestServer)

// WithCodec sets the codec for requests that declare no content type
func WithCodec(codec message.Codec) Option {
	return func(s *RequestServer) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithMetrics sets the bridge metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *RequestServer) {
		s.metrics = metrics
	}
}

// WithRateLimit admits at most perSecond commands on average with bursts of
// burst. Commands over the limit are answered with an ERROR and never reach
// a processor. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *RequestServer) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *RequestServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// RequestServer receives commands and replies with their responses
type RequestServer struct {
	receiver transport.Receiver
	replier  transport.Replier
	registry *processor.Registry
	codec    message.Codec
	metrics  *metric.Metrics
	logger   *slog.Logger
	limiter  *rate.Limiter

	status       atomic.Int32
	startTime    atomic.Value // time.Time
	lastActivity atomic.Value // time.Time
	processed    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	loopErr error
}

// NewRequestServer creates a stopped server
func NewRequestServer(receiver transport.Receiver, replier transport.Replier,
	registry *processor.Registry, opts ...Option) *RequestServer {
	s := &RequestServer{
		receiver: receiver,
		replier:  replier,
		registry: registry,
		codec:    message.JSONCodec{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "request-server")
	s.startTime.Store(time.Time{})
	s.lastActivity.Store(time.Time{})
	return s
}

// Status returns the lifecycle state
func (s *RequestServer) Status() Status {
	return Status(s.status.Load())
}

// Start launches the receive loop. It returns once the loop is running.
func (s *RequestServer) Start(ctx context.Context) error {
	if !s.status.CompareAndSwap(int32(StatusStopped), int32(StatusStarting)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "RequestServer", "Start", "start loop")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.loopErr = nil
	s.mu.Unlock()

	s.startTime.Store(time.Now())
	s.status.Store(int32(StatusRunning))
	s.logger.Info("Request server started", "commands", s.registry.Names())

	go func() {
		defer close(done)
		err := s.loop(loopCtx)

		s.mu.Lock()
		s.loopErr = err
		s.mu.Unlock()
		s.status.Store(int32(StatusStopped))
		if err != nil {
			s.logger.Error("Request server loop ended", "error", err)
			return
		}
		s.logger.Info("Request server stopped", "processed", s.processed.Load())
	}()
	return nil
}

// Wait blocks until the loop exits and returns the error that ended it, nil
// after a clean stop.
func (s *RequestServer) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "RequestServer", "Wait", "wait for loop")
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopErr
}

// Stop cancels the loop and waits up to timeout for the command in flight
func (s *RequestServer) Stop(timeout time.Duration) error {
	if !s.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		return nil
	}

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "RequestServer", "Stop", "wait for loop")
	}
}

// Health reports the server's state for the health endpoints
func (s *RequestServer) Health() health.Status {
	const name = "request-server"

	s.mu.Lock()
	loopErr := s.loopErr
	s.mu.Unlock()

	var status health.Status
	switch st := s.Status(); {
	case loopErr != nil:
		status = health.FromError(name, loopErr)
	case st == StatusRunning:
		status = health.NewHealthy(name, fmt.Sprintf("Serving %d commands", len(s.registry.Names())))
	case st == StatusStopped:
		status = health.NewUnhealthy(name, "Request server is stopped")
	default:
		status = health.NewDegraded(name, "Request server is "+st.String())
	}

	var uptime time.Duration
	if started := s.startTime.Load().(time.Time); !started.IsZero() {
		uptime = time.Since(started)
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:            uptime,
		ErrorCount:        s.failed.Load(),
		MessagesProcessed: s.processed.Load(),
		LastActivity:      s.lastActivity.Load().(time.Time),
	})
}

// Stats returns processed, failed and dropped counts
func (s *RequestServer) Stats() (processed, failed, dropped int64) {
	return s.processed.Load(), s.failed.Load(), s.dropped.Load()
}

func (s *RequestServer) loop(ctx context.Context) error {
	for {
		d, err := s.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "RequestServer", "loop", "receive command")
		}
		s.Handle(ctx, d)
	}
}

// Handle serves one delivery: ack, decode, process and reply. It panics only
// with a fatal configuration error raised by a processor.
func (s *RequestServer) Handle(ctx context.Context, d *transport.Delivery) {
	if err := d.Ack(); err != nil {
		s.logger.Warn("Acknowledging command failed", "subject", d.Subject, "error", err)
	}

	requestID := uuid.NewString()
	start := time.Now()
	s.lastActivity.Store(start)
	logger := s.logger.With("request_id", requestID)

	label := labelUndecodable
	codec := message.CodecFor(d.ContentType(), s.codec)
	cmd, err := codec.DecodeCommand(d.Data)

	var resp message.Response
	if err != nil {
		logger.Warn("Decoding command failed", "error", err)
		resp = message.Failure(err)
	} else if s.limiter != nil && !s.limiter.Allow() {
		label = labelRateLimited
		s.metrics.RecordCommandReceived(label)
		logger.Warn("Rate limit exceeded, command rejected", "command", cmd.Name)
		resp = message.Failure(errors.WrapTransient(errors.ErrRateLimited, "RequestServer", "Handle", "admit "+cmd.Name))
	} else {
		label = labelUnrecognized
		if s.registry.Has(cmd.Name) {
			label = cmd.Name
		}
		s.metrics.RecordCommandReceived(label)
		logger.Debug("Command received", "command", cmd.Name, "args", len(cmd.Args), "stream", cmd.PublishStream)
		resp = s.process(ctx, requestID, cmd, logger)
	}

	s.processed.Add(1)
	if !resp.IsOK() {
		s.failed.Add(1)
	}
	s.metrics.RecordCommandProcessed(label, string(resp.Result), time.Since(start))

	if err := s.replier.Reply(ctx, d, resp); err != nil {
		if stderrors.Is(err, transport.ErrNoReplyDestination) {
			s.dropped.Add(1)
			s.metrics.RecordReplyDropped()
			logger.Warn("No reply destination, response dropped", "command", cmd.Name, "result", resp.Result)
			return
		}
		logger.Error("Sending reply failed", "command", cmd.Name, "error", err)
	}
}

func (s *RequestServer) process(ctx context.Context, requestID string, cmd message.Command,
	logger *slog.Logger) (resp message.Response) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if err, ok := r.(error); ok && errors.IsFatal(err) {
			logger.Error("Fatal configuration error", "command", cmd.Name, "error", err)
			panic(r)
		}
		pe := errors.FromPanic(r)
		logger.Error("Processor panicked", "command", cmd.Name, "error", pe, "stack", string(pe.Stack))
		resp = message.Failure(pe)
	}()
	return s.registry.Get(cmd.Name).Process(ctx, requestID, cmd)
}
