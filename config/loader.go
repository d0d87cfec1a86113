package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ooici/siam-integration-sub000/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SIAM_BRIDGE"

// Load reads the configuration. An empty path loads defaults plus the
// environment. The result is validated.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// ReadFile merges the file at path into v, choosing the format by extension.
// An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "ReadFile",
			"detect format of "+filepath.Base(path))
	}
	if err := v.ReadInConfig(); err != nil {
		return errors.WrapInvalid(err, "config", "ReadFile", "read "+filepath.Base(path))
	}
	return nil
}

// NewViper returns a viper instance carrying the defaults and the
// environment binding. Callers may bind command-line flags before Decode.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

// Decode builds and validates a Config from v
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Decode", "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("nats.urls", d.NATS.URLs)
	v.SetDefault("nats.name", d.NATS.Name)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.connect_timeout", d.NATS.ConnectTimeout)
	v.SetDefault("nats.drain_timeout", d.NATS.DrainTimeout)
	v.SetDefault("nats.ping_interval", d.NATS.PingInterval)
	v.SetDefault("nats.username", d.NATS.Username)
	v.SetDefault("nats.password", d.NATS.Password)
	v.SetDefault("nats.token", d.NATS.Token)
	v.SetDefault("nats.tls.enabled", d.NATS.TLS.Enabled)
	v.SetDefault("nats.tls.ca_files", d.NATS.TLS.CAFiles)
	v.SetDefault("nats.tls.cert_file", d.NATS.TLS.CertFile)
	v.SetDefault("nats.tls.key_file", d.NATS.TLS.KeyFile)
	v.SetDefault("nats.tls.min_version", d.NATS.TLS.MinVersion)
	v.SetDefault("nats.tls.insecure_skip_verify", d.NATS.TLS.InsecureSkipVerify)

	v.SetDefault("bridge.transport", d.Bridge.Transport)
	v.SetDefault("bridge.subject", d.Bridge.Subject)
	v.SetDefault("bridge.queue", d.Bridge.Queue)
	v.SetDefault("bridge.stream", d.Bridge.Stream)
	v.SetDefault("bridge.durable", d.Bridge.Durable)
	v.SetDefault("bridge.ack_wait", d.Bridge.AckWait)
	v.SetDefault("bridge.codec", d.Bridge.Codec)
	v.SetDefault("bridge.stop_timeout", d.Bridge.StopTimeout)
	v.SetDefault("bridge.max_rate", d.Bridge.MaxRate)
	v.SetDefault("bridge.burst", d.Bridge.Burst)

	v.SetDefault("source.host", d.Source.Host)
	v.SetDefault("source.base_client_name", d.Source.BaseClientName)
	v.SetDefault("source.fetch_timeout", d.Source.FetchTimeout)
	v.SetDefault("source.stream", d.Source.Stream)
	v.SetDefault("source.subject_prefix", d.Source.SubjectPrefix)
	v.SetDefault("source.ensure_stream", d.Source.EnsureStream)
	v.SetDefault("source.max_batch", d.Source.MaxBatch)

	v.SetDefault("control.bucket", d.Control.Bucket)
	v.SetDefault("control.seed_file", d.Control.SeedFile)
	v.SetDefault("control.call_timeout", d.Control.CallTimeout)
	v.SetDefault("control.turbine_cache_ttl", d.Control.TurbineCacheTTL)

	v.SetDefault("dispatch.idle_timeout", d.Dispatch.IdleTimeout)
	v.SetDefault("dispatch.max_workers", d.Dispatch.MaxWorkers)

	v.SetDefault("health.enabled", d.Health.Enabled)
	v.SetDefault("health.addr", d.Health.Addr)
	v.SetDefault("health.tls.enabled", d.Health.TLS.Enabled)
	v.SetDefault("health.tls.cert_file", d.Health.TLS.CertFile)
	v.SetDefault("health.tls.key_file", d.Health.TLS.KeyFile)
	v.SetDefault("health.tls.min_version", d.Health.TLS.MinVersion)
	v.SetDefault("health.tls.client_ca_files", d.Health.TLS.ClientCAFiles)
	v.SetDefault("health.tls.require_client_cert", d.Health.TLS.RequireClientCert)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
