package config

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/pkg/tlsutil"
)

// Command transports
const (
	TransportJetStream = "jetstream"
	TransportCore      = "core"
)

// Config is the complete bridge configuration
type Config struct {
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	Source   SourceConfig   `mapstructure:"source" yaml:"source"`
	Control  ControlConfig  `mapstructure:"control" yaml:"control"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// NATSConfig defines the bus connection
type NATSConfig struct {
	URLs           []string      `mapstructure:"urls" yaml:"urls"`
	Name           string        `mapstructure:"name" yaml:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	Username       string        `mapstructure:"username" yaml:"username,omitempty"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty"`
	Token          string        `mapstructure:"token" yaml:"token,omitempty"`

	TLS tlsutil.ClientConfig `mapstructure:"tls" yaml:"tls"`
}

// URL joins the server list the way nats.Connect accepts it
func (n NATSConfig) URL() string {
	return strings.Join(n.URLs, ",")
}

// BridgeConfig defines where commands arrive and how replies are encoded
type BridgeConfig struct {
	// Transport is "jetstream" (durable pull consumer) or "core"
	Transport string `mapstructure:"transport" yaml:"transport"`
	Subject   string `mapstructure:"subject" yaml:"subject"`
	// Queue is the core NATS queue group
	Queue string `mapstructure:"queue" yaml:"queue"`
	// Stream and Durable name the JetStream command queue
	Stream      string        `mapstructure:"stream" yaml:"stream"`
	Durable     string        `mapstructure:"durable" yaml:"durable"`
	AckWait     time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	Codec       string        `mapstructure:"codec" yaml:"codec"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// MaxRate caps admitted commands per second; zero is unlimited
	MaxRate float64 `mapstructure:"max_rate" yaml:"max_rate"`
	Burst   int     `mapstructure:"burst" yaml:"burst"`
}

// SourceConfig defines the streaming data source
type SourceConfig struct {
	// Host is the NATS URL of the source
	Host           string        `mapstructure:"host" yaml:"host"`
	BaseClientName string        `mapstructure:"base_client_name" yaml:"base_client_name"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	Stream         string        `mapstructure:"stream" yaml:"stream"`
	SubjectPrefix  string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	EnsureStream   bool          `mapstructure:"ensure_stream" yaml:"ensure_stream"`
	MaxBatch       int           `mapstructure:"max_batch" yaml:"max_batch"`
}

// ControlConfig defines the KV-backed control API
type ControlConfig struct {
	Bucket      string        `mapstructure:"bucket" yaml:"bucket"`
	SeedFile    string        `mapstructure:"seed_file" yaml:"seed_file,omitempty"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`

	// TurbineCacheTTL keeps resolved turbine names in memory; zero disables
	TurbineCacheTTL time.Duration `mapstructure:"turbine_cache_ttl" yaml:"turbine_cache_ttl"`
}

// DispatchConfig defines the async worker pool
type DispatchConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxWorkers  int           `mapstructure:"max_workers" yaml:"max_workers"`
}

// HealthConfig defines the HTTP health endpoint
type HealthConfig struct {
	Enabled bool                 `mapstructure:"enabled" yaml:"enabled"`
	Addr    string               `mapstructure:"addr" yaml:"addr"`
	TLS     tlsutil.ServerConfig `mapstructure:"tls" yaml:"tls"`
}

// LogConfig defines logging
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			Name:           "siam-bridge",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
			DrainTimeout:   30 * time.Second,
			PingInterval:   30 * time.Second,
		},
		Bridge: BridgeConfig{
			Transport:   TransportJetStream,
			Subject:     "siam.cmd",
			Queue:       "siam-bridge",
			Stream:      "SIAM_COMMANDS",
			Durable:     "siam-bridge",
			AckWait:     30 * time.Second,
			Codec:       "json",
			StopTimeout: 10 * time.Second,
			Burst:       10,
		},
		Source: SourceConfig{
			Host:           "nats://localhost:4222",
			BaseClientName: "siam-bridge",
			FetchTimeout:   time.Second,
			Stream:         "SIAM_DATA",
			SubjectPrefix:  "siam.data",
			MaxBatch:       256,
		},
		Control: ControlConfig{
			Bucket:          "SIAM_PORTS",
			CallTimeout:     5 * time.Second,
			TurbineCacheTTL: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			IdleTimeout: 60 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.NATS.URLs) == 0 {
		add("nats.urls is required")
	}
	for _, u := range c.NATS.URLs {
		if !strings.Contains(u, "://") {
			add("nats.urls entry %q has no scheme", u)
		}
	}
	if c.NATS.Token != "" && c.NATS.Username != "" {
		add("nats.token and nats.username are mutually exclusive")
	}

	switch c.Bridge.Transport {
	case TransportJetStream:
		if !isValidStreamName(c.Bridge.Stream) {
			add("bridge.stream %q is not a valid stream name", c.Bridge.Stream)
		}
		if !isValidSubjectPart(c.Bridge.Durable) {
			add("bridge.durable %q is not a valid consumer name", c.Bridge.Durable)
		}
	case TransportCore:
	default:
		add("bridge.transport must be %q or %q, got %q", TransportJetStream, TransportCore, c.Bridge.Transport)
	}
	if c.Bridge.Subject == "" {
		add("bridge.subject is required")
	}
	switch strings.ToLower(c.Bridge.Codec) {
	case "", "json", "cbor":
	default:
		add("bridge.codec must be json or cbor, got %q", c.Bridge.Codec)
	}

	if c.NATS.PingInterval < 0 {
		add("nats.ping_interval must not be negative")
	}
	if c.Bridge.MaxRate < 0 || c.Bridge.Burst < 0 {
		add("bridge.max_rate and bridge.burst must not be negative")
	}

	if c.Source.Host == "" {
		add("source.host is required")
	}
	if !isValidSubjectPart(c.Source.BaseClientName) {
		add("source.base_client_name %q must be alphanumeric with dots, dashes, underscores", c.Source.BaseClientName)
	}
	if c.Source.FetchTimeout <= 0 {
		add("source.fetch_timeout must be positive")
	}
	if !isValidStreamName(c.Source.Stream) {
		add("source.stream %q is not a valid stream name", c.Source.Stream)
	}

	if !isValidStreamName(c.Control.Bucket) {
		add("control.bucket %q is not a valid bucket name", c.Control.Bucket)
	}
	if c.Control.CallTimeout < 0 {
		add("control.call_timeout must not be negative")
	}
	if c.Control.TurbineCacheTTL < 0 {
		add("control.turbine_cache_ttl must not be negative")
	}
	if c.Dispatch.MaxWorkers < 0 {
		add("dispatch.max_workers must not be negative")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		add("health.addr is required when health is enabled")
	}
	if c.Health.TLS.Enabled && (c.Health.TLS.CertFile == "" || c.Health.TLS.KeyFile == "") {
		add("health.tls requires cert_file and key_file")
	}
	if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		add("nats.tls cert_file and key_file must be set together")
	}
	for _, v := range []string{c.NATS.TLS.MinVersion, c.Health.TLS.MinVersion} {
		if v != "" && v != "1.2" && v != "1.3" {
			add("tls min_version must be 1.2 or 1.3, got %q", v)
		}
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// isValidSubjectPart checks s can be used inside a NATS subject or as a
// consumer name: alphanumeric, dots, dashes and underscores.
func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// isValidStreamName applies the JetStream naming rule: no dots, wildcards
// or whitespace.
func isValidStreamName(s string) bool {
	return isValidSubjectPart(s) && !strings.Contains(s, ".")
}

// WriteYAML renders the configuration with secrets masked
func (c *Config) WriteYAML(w io.Writer) error {
	masked := *c
	masked.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return errors.Wrap(err, "Config", "WriteYAML", "encode configuration")
	}
	return enc.Close()
}
