package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every bridge metric name
const Namespace = "siam_bridge"

// Metrics contains the bridge-level metrics shared by every component.
// All Record methods are safe on a nil receiver so components can be built
// without a registry.
type Metrics struct {
	// Request path
	CommandsReceived   *prometheus.CounterVec
	CommandsProcessed  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	RepliesDropped     prometheus.Counter

	// Async path
	AsyncSubmitted *prometheus.CounterVec
	AsyncCompleted *prometheus.CounterVec
	Published      *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec

	// Streaming path
	NotifiersRunning prometheus.Gauge
	SamplesPublished *prometheus.CounterVec
	SourceFaults     prometheus.Counter

	// Control API
	ControlCalls    *prometheus.CounterVec
	ControlDuration *prometheus.HistogramVec

	// NATS
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all bridge metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "received_total",
			Help:      "Total number of commands received",
		}, []string{"command"}),

		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "processed_total",
			Help:      "Total number of commands answered, by immediate result",
		}, []string{"command", "result"}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Time spent producing the immediate response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),

		RepliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "replies_dropped_total",
			Help:      "Responses dropped because the request carried no reply destination",
		}),

		AsyncSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "async",
			Name:      "submitted_total",
			Help:      "Asynchronous control-API operations submitted",
		}, []string{"command"}),

		AsyncCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "async",
			Name:      "completed_total",
			Help:      "Asynchronous control-API operations completed, by result",
		}, []string{"command", "result"}),

		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "messages_total",
			Help:      "Messages published to publish streams",
		}, []string{"kind"}),

		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "errors_total",
			Help:      "Publish attempts that failed",
		}, []string{"kind"}),

		NotifiersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "notifier",
			Name:      "running",
			Help:      "Number of stream notifiers currently polling",
		}),

		SamplesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notifier",
			Name:      "samples_published_total",
			Help:      "Data samples relayed from the streaming source",
		}, []string{"channel"}),

		SourceFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notifier",
			Name:      "source_faults_total",
			Help:      "Notifier loops ended by a streaming-source fault",
		}),

		ControlCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "calls_total",
			Help:      "Control-API calls, by operation and status",
		}, []string{"operation", "status"}),

		ControlDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "call_duration_seconds",
			Help:      "Control-API call latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"operation"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CommandsReceived,
		m.CommandsProcessed,
		m.ProcessingDuration,
		m.RepliesDropped,
		m.AsyncSubmitted,
		m.AsyncCompleted,
		m.Published,
		m.PublishErrors,
		m.NotifiersRunning,
		m.SamplesPublished,
		m.SourceFaults,
		m.ControlCalls,
		m.ControlDuration,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordCommandReceived increments the received counter for a command name
func (m *Metrics) RecordCommandReceived(command string) {
	if m == nil {
		return
	}
	m.CommandsReceived.WithLabelValues(command).Inc()
}

// RecordCommandProcessed records the immediate result of a command and its latency
func (m *Metrics) RecordCommandProcessed(command, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CommandsProcessed.WithLabelValues(command, result).Inc()
	m.ProcessingDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordReplyDropped increments the dropped reply counter
func (m *Metrics) RecordReplyDropped() {
	if m == nil {
		return
	}
	m.RepliesDropped.Inc()
}

// RecordAsyncSubmitted increments the async submission counter
func (m *Metrics) RecordAsyncSubmitted(command string) {
	if m == nil {
		return
	}
	m.AsyncSubmitted.WithLabelValues(command).Inc()
}

// RecordAsyncCompleted records the terminal result of an async operation
func (m *Metrics) RecordAsyncCompleted(command, result string) {
	if m == nil {
		return
	}
	m.AsyncCompleted.WithLabelValues(command, result).Inc()
}

// RecordPublished records a publish attempt of the given kind ("async" or "sample")
func (m *Metrics) RecordPublished(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishErrors.WithLabelValues(kind).Inc()
		return
	}
	m.Published.WithLabelValues(kind).Inc()
}

// RecordNotifierRunning adjusts the running notifier gauge by delta
func (m *Metrics) RecordNotifierRunning(delta float64) {
	if m == nil {
		return
	}
	m.NotifiersRunning.Add(delta)
}

// RecordSamplePublished increments the relayed sample counter
func (m *Metrics) RecordSamplePublished(channel string) {
	if m == nil {
		return
	}
	m.SamplesPublished.WithLabelValues(channel).Inc()
}

// RecordSourceFault increments the source fault counter
func (m *Metrics) RecordSourceFault() {
	if m == nil {
		return
	}
	m.SourceFaults.Inc()
}

// RecordControlCall records one control-API call
func (m *Metrics) RecordControlCall(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ControlCalls.WithLabelValues(operation, status).Inc()
	m.ControlDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
