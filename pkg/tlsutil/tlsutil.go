// Package tlsutil builds tls.Config values for the bridge's NATS connections
// and its health endpoint from file-based settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/ooici/siam-integration-sub000/errors"
)

// ClientConfig configures TLS toward the NATS servers. The system CA pool is
// always trusted; CAFiles add to it.
type ClientConfig struct {
	Enabled            bool     `mapstructure:"enabled" yaml:"enabled"`
	CAFiles            []string `mapstructure:"ca_files" yaml:"ca_files,omitempty"`
	CertFile           string   `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile            string   `mapstructure:"key_file" yaml:"key_file,omitempty"`
	MinVersion         string   `mapstructure:"min_version" yaml:"min_version,omitempty"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty"`
}

// ServerConfig configures TLS on the health endpoint. ClientCAFiles turns on
// client certificate verification.
type ServerConfig struct {
	Enabled           bool     `mapstructure:"enabled" yaml:"enabled"`
	CertFile          string   `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile           string   `mapstructure:"key_file" yaml:"key_file,omitempty"`
	MinVersion        string   `mapstructure:"min_version" yaml:"min_version,omitempty"`
	ClientCAFiles     []string `mapstructure:"client_ca_files" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `mapstructure:"require_client_cert" yaml:"require_client_cert,omitempty"`
}

// LoadClientConfig returns nil when TLS is disabled
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendPEMFiles(rootCAs, cfg.CAFiles, "LoadClientConfig"); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in for test servers
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// LoadServerConfig returns nil when TLS is disabled
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) > 0 {
		clientCAs := x509.NewCertPool()
		if err := appendPEMFiles(clientCAs, cfg.ClientCAFiles, "LoadServerConfig"); err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = clientCAs
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return tlsConfig, nil
}

func appendPEMFiles(pool *x509.CertPool, files []string, method string) error {
	for _, file := range files {
		pemData, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", method, "read CA file "+file)
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return errors.WrapFatal(fmt.Errorf("%w: no certificates in PEM", errors.ErrInvalidConfig),
				"tlsutil", method, "parse CA file "+file)
		}
	}
	return nil
}

// parseTLSVersion defaults to TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
